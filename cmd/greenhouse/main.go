package main

import (
	"os"

	"horse.fit/greenhouse/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
