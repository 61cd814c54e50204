package cli

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/x/ctl"
	"github.com/effective-security/xlog"
	"github.com/pkg/errors"

	"github.com/effective-security/xtoken/config"
	"github.com/effective-security/xtoken/session"
	"github.com/effective-security/xtoken/store"
	"github.com/effective-security/xtoken/store/mempool"
	"github.com/effective-security/xtoken/tpmutil"
	"github.com/effective-security/xtoken/tpmutil/softtpm"
	"github.com/effective-security/xtoken/x/print"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "cli")

// Cli provides CLI context to run commands
type Cli struct {
	Version ctl.VersionFlag `name:"version" help:"Print version information and quit" hidden:""`

	Cfg      string `help:"Location of token config file" type:"path"`
	Debug    bool   `short:"D" help:"Enable debug mode"`
	LogLevel string `short:"l" help:"Set the logging level (debug|info|warn|error)" default:"error"`

	// Stdin is the source to read from, typically set to os.Stdin
	stdin io.Reader
	// Output is the destination for all output from the command, typically set to os.Stdout
	output io.Writer
	// ErrOutput is the destinaton for errors.
	// If not set, errors will be written to os.StdError
	errOutput io.Writer

	session *session.Session
}

// Reader is the source to read from, typically set to os.Stdin
func (c *Cli) Reader() io.Reader {
	if c.stdin != nil {
		return c.stdin
	}
	return os.Stdin
}

// WithReader allows to specify a custom reader
func (c *Cli) WithReader(reader io.Reader) *Cli {
	c.stdin = reader
	return c
}

// Writer returns a writer for control output
func (c *Cli) Writer() io.Writer {
	if c.output != nil {
		return c.output
	}
	return os.Stdout
}

// WithWriter allows to specify a custom writer
func (c *Cli) WithWriter(out io.Writer) *Cli {
	c.output = out
	return c
}

// ErrWriter returns a writer for control output
func (c *Cli) ErrWriter() io.Writer {
	if c.errOutput != nil {
		return c.errOutput
	}
	return os.Stderr
}

// WithErrWriter allows to specify a custom error writer
func (c *Cli) WithErrWriter(out io.Writer) *Cli {
	c.errOutput = out
	return c
}

// AfterApply hook sets the logging level
func (c *Cli) AfterApply(_ *kong.Kong, _ kong.Vars) error {
	if c.Debug {
		xlog.SetGlobalLogLevel(xlog.DEBUG)
	} else {
		val := strings.TrimLeft(c.LogLevel, "=")
		l, err := xlog.ParseLevel(strings.ToUpper(val))
		if err != nil {
			return errors.WithStack(err)
		}
		xlog.SetGlobalLogLevel(l)
	}

	return nil
}

// WriteJSON prints response to out
func (c *Cli) WriteJSON(value interface{}) error {
	return print.JSON(c.Writer(), value)
}

// Session opens a session against the configured token. Without a
// config file an ephemeral in-memory token is used.
func (c *Cli) Session() (*session.Session, error) {
	if c.session != nil {
		return c.session, nil
	}

	slotID := 0
	readOnly := false
	var tpm tpmutil.TPMUtility = tpmutil.NotAvailable{}
	if c.Cfg != "" {
		cfg, err := config.LoadTokenConfig(c.Cfg)
		if err != nil {
			return nil, errors.WithMessage(err, "unable to load token config")
		}
		slotID = cfg.SlotID()
		readOnly = cfg.ReadOnly()
		if secret := cfg.RootSecret(); secret != "" {
			tpm, err = softtpm.New([]byte(secret))
			if err != nil {
				return nil, errors.WithMessage(err, "unable to initialize key backend")
			}
		}
	}

	factory := mempool.NewFactory()
	hg := mempool.NewHandleGenerator()
	var tokenPool store.Pool = mempool.NewPool(hg)
	s, err := session.NewSession(slotID, tokenPool, tpm, factory, hg, readOnly)
	if err != nil {
		return nil, errors.WithMessage(err, "unable to open session")
	}
	c.session = s
	return s, nil
}
