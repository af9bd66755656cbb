package main

import (
	"log"

	"rewardledger/services/rewardsd"
)

func main() {
	if err := rewardsd.Main(); err != nil {
		log.Fatalf("rewardsd: %v", err)
	}
}
