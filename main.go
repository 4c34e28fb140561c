package main

import (
	"log"
	"os"

	"fabula_back/cards"
	"fabula_back/llm"
	"fabula_back/presets"
	"fabula_back/sessions"
	"fabula_back/settings"
	"fabula_back/variants"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.Default())

	cardModule, err := cards.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register card routes: %v", err)
	}

	presetModule, err := presets.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register preset routes: %v", err)
	}

	settingsModule, err := settings.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register settings routes: %v", err)
	}

	sessionModule, err := sessions.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register session routes: %v", err)
	}

	variantModule, err := variants.RegisterRoutes(r, sessionModule.Store())
	if err != nil {
		log.Fatalf("register variant routes: %v", err)
	}

	if _, err := llm.RegisterRoutes(r, llm.Collaborators{
		Presets:  presetModule.Library(),
		Settings: settingsModule.Resolver(),
		Sessions: sessionModule.Store(),
		Cards:    cardModule.Store(),
		Variants: variantModule.Ledger(),
	}); err != nil {
		log.Fatalf("register llm routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
