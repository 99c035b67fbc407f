// Command schemagate serves schema discovery, column matching, import
// validation and guarded column creation as JSON-RPC tools.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
