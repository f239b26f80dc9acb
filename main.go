package main

import (
	"fmt"
	"os"

	"multicam/cmd"
)

func main() {
	if err := cmd.NewApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
