package main

import (
	"os"

	"github.com/CybersecurityForDemocracy/adobservatory-backend-public/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
