package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	flagConfig      = "config"
	flagAdapter     = "adapter"
	flagInterface   = "iface"
	flagRxID        = "rx"
	flagTxID        = "tx"
	flagTimeout     = "timeout"
	flagSTmin       = "stmin"
	flagBlockSize   = "bs"
	flagPadding     = "padding"
	flagFD          = "fd"
	flagProtocol    = "protocol"
	flagKernelISOTP = "kernel-isotp"
	flagCount       = "count"
	flagDebug       = "debug"
)

var (
	cfgFile     string
	adapterName string
	iface       string
	rxFlag      string
	txFlag      string
	idleTimeout time.Duration
	stMin       time.Duration
	blockSize   uint8
	padding     string
	useFD       bool
	protocol    string
	kernelISOTP bool
	maxRequests int
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "vecu",
	Short: "Virtual ECU for ISO-TP and UDS over CAN",
	Long: `vecu simulates an ECU on a CAN bus. In uds mode it answers
diagnostic requests from a rule table, in iso-tp mode it taps a
transport endpoint and relays every payload it reassembles. Both modes
announce themselves with a single 0xAA datagram once the transport is
bound, so test harnesses know when to start talking.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		switch protocol {
		case "uds":
			return runUDS(cmd.Context())
		case "iso-tp":
			return runTap(cmd.Context())
		default:
			return fmt.Errorf("unsupported protocol %q, expected uds or iso-tp", protocol)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(func() {
		initConfig()
		postInitCommands(rootCmd.Commands())
		presetRequiredFlags(rootCmd)
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, flagConfig, "", "config file (default is $HOME/.vecu.yaml)")
	pf.StringVarP(&adapterName, flagAdapter, "a", "socketcan", "CAN adapter to use, see 'vecu adapters'")
	pf.StringVarP(&iface, flagInterface, "i", "vcan0", "CAN interface or virtual bus name")
	pf.StringVar(&rxFlag, flagRxID, "0x7a1", "identifier requests arrive on")
	pf.StringVar(&txFlag, flagTxID, "0x7a9", "identifier responses go out on")
	pf.DurationVar(&idleTimeout, flagTimeout, 10*time.Second, "shut down after this long without traffic")
	pf.DurationVar(&stMin, flagSTmin, 0, "minimum gap between consecutive frames we ask peers to keep")
	pf.Uint8Var(&blockSize, flagBlockSize, 0, "consecutive frames per flow control, 0 = unlimited")
	pf.StringVar(&padding, flagPadding, "", "pad frames to full length, use --padding=<byte> to override 0xAA")
	pf.Lookup(flagPadding).NoOptDefVal = "0xAA"
	pf.BoolVar(&useFD, flagFD, false, "use CAN FD framing")
	pf.StringVarP(&protocol, flagProtocol, "p", "iso-tp", "what to simulate: uds or iso-tp")
	pf.BoolVar(&kernelISOTP, flagKernelISOTP, false, "use the kernel CAN_ISOTP module instead of the built-in transport")
	pf.IntVar(&maxRequests, flagCount, 0, "answer this many requests then exit, 0 = unlimited")
	pf.BoolVarP(&debug, flagDebug, "d", false, "debug mode")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Fatalf("finding home directory: %v", err)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".vecu")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("vecu")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		log.Println("using config file:", viper.ConfigFileUsed())
	}
}

func postInitCommands(commands []*cobra.Command) {
	for _, cmd := range commands {
		presetRequiredFlags(cmd)
		if cmd.HasSubCommands() {
			postInitCommands(cmd.Commands())
		}
	}
}

func presetRequiredFlags(cmd *cobra.Command) {
	viper.BindPFlags(cmd.Flags())
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if viper.IsSet(f.Name) && viper.GetString(f.Name) != "" {
			cmd.Flags().Set(f.Name, viper.GetString(f.Name))
		}
	})
}
