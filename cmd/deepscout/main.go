package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "deepscout",
		Short: "LLM-driven deep research orchestrator",
	}
	root.AddCommand(researchCMD(), serveCMD(), historyCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
