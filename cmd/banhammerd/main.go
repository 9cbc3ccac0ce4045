package main

import (
	"os"

	"banhammer/internal/app"
)

func main() {
	os.Exit(app.Execute(app.NewSweeperCommand()))
}
