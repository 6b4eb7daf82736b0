package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Swind/go-page-runner/config"
)

// app holds what the subcommands share once the root has loaded the
// configuration.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "pagerunner",
		Short: "Fetch and parse pages with the background page pipeline",
		Long: `pagerunner drives the asynchronous page pipeline from the command line.

Configuration is read from, highest priority first:
  1. command-line flags
  2. PAGERUNNER_<SECTION>_<OPTION> environment variables
  3. the file named by --config or PAGERUNNER_CONFIG_FILE
  4. .pagerunner.yml in the working directory`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is .pagerunner.yml, can also use PAGERUNNER_CONFIG_FILE)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	root.AddCommand(newFetchCmd(a), newParseCmd(a), newConfigCmd(a))
	return root
}

// load builds the viper instance, binds the flags of cmd and decodes the
// configuration.
func (a *app) load(cmd *cobra.Command) error {
	a.v = config.New(a.cfgFile)

	if err := bindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}

	if err := config.Read(a.v); err != nil {
		return err
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics":      "metrics.enabled",
	"metrics-addr": "metrics.listen",
}

// bindFlags binds every flag of fs that has a configuration key. Flags a
// subcommand does not define are skipped.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}
