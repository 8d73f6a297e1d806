package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfluke/nssm/cmd"
	"github.com/openfluke/nssm/envconfig"
	"github.com/openfluke/nssm/logutil"
)

func main() {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
