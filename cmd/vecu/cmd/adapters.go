package cmd

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/vecutools/vecu"
)

var adaptersPick bool

func init() {
	rootCmd.AddCommand(adaptersCmd)
	adaptersCmd.Flags().BoolVar(&adaptersPick, "select", false, "pick an adapter interactively and print its name")
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List the CAN adapters available on this platform",
	RunE: func(cmd *cobra.Command, args []string) error {
		infos := vecu.ListAdapters()
		if len(infos) == 0 {
			return errors.New("no adapters available on this platform")
		}

		if adaptersPick {
			names := make([]string, len(infos))
			for i, a := range infos {
				names[i] = a.Name
			}
			prompt := promptui.Select{
				Label:    "Adapter",
				HideHelp: true,
				Items:    names,
			}
			_, choice, err := prompt.Run()
			if err != nil {
				return err
			}
			fmt.Println(choice)
			return nil
		}

		for _, a := range infos {
			fmt.Printf("%s (%s)\n", a.String(), a.Capabilities.String())
		}
		return nil
	},
}
