package main

import (
	"os"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
