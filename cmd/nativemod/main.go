// Command nativemod inspects and exercises native module resolution.
//
//	nativemod resolve hilog
//	nativemod load mymodule --app --path-key default --app-path default=/data/app/lib
//	nativemod check net.http --app --api net.http.get
//	nativemod namespaces
//	nativemod browse
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"
)

func main() {
	if err := newRootCmd(afero.NewOsFs()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
