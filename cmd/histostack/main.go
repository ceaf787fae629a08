package main

import (
	"os"
)

func main() {
	rootCmd := newRootCommand()

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResetCommand())
	rootCmd.AddCommand(newReferenceCommand())
	rootCmd.AddCommand(newSlicesCommand())
	rootCmd.AddCommand(newQualityCommand())
	rootCmd.AddCommand(newInitConfigCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
