package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries the state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     config
}

// newRootCmd builds the command tree. Each call has its own viper
// instance so tests can run commands side by side.
func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}

	root := &cobra.Command{
		Use:   "ohcisim",
		Short: "Drive the OHCI host controller driver against a simulated controller",
		Long: `ohcisim runs the OHCI host controller driver against a software controller.

Settings come from flags, OHCISIM_* environment variables and an optional
ohcisim.yaml in /etc/ohcisim/ or the working directory, in that order of
precedence.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = c
			return c.setupLogging()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "path to the config file")
	bindings := addControllerFlags(pf)
	cobra.CheckErr(bindFlags(a.v, pf, bindings))

	root.AddCommand(
		newScheduleCmd(a),
		newRunCmd(a),
		newVersionCmd(),
	)
	return root
}
