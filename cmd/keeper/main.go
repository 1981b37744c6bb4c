package main

import (
	"log"

	"campaignkeeper/services/keeper"
)

func main() {
	if err := keeper.Main(); err != nil {
		log.Fatalf("campaign-keeper: %v", err)
	}
}
