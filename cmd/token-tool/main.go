package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"

	"github.com/effective-security/xtoken/cmd/token-tool/cli"
	"github.com/effective-security/xtoken/internal/version"
)

type app struct {
	cli.Cli

	Info       cli.InfoCmd       `cmd:"" help:"Print session information"`
	Mechanisms cli.MechanismsCmd `cmd:"" help:"List supported mechanisms"`
	GenKey     cli.GenKeyCmd     `cmd:"" help:"Generate a symmetric key"`
	GenKeypair cli.GenKeypairCmd `cmd:"" help:"Generate an asymmetric key pair"`
	Digest     cli.DigestCmd     `cmd:"" help:"Digest data with a mechanism"`
	Rand       cli.RandCmd       `cmd:"" help:"Generate random bytes"`
	Selftest   cli.SelftestCmd   `cmd:"" help:"Run token self tests"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("token-tool"),
		kong.Description("CLI tool for software token operations"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	parser.FatalIfErrorf(err)

	if ctx != nil {
		if cl.Debug {
			// in DEBUG mode print command line
			_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
		}
		err = ctx.Run(&cl.Cli)
		ctx.FatalIfErrorf(err)
	}
}
