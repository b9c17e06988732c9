package cmd

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vecutools/vecu/pkg/bar"
	"github.com/vecutools/vecu/pkg/uds"
)

var (
	sendUDS     bool
	sendNoReply bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendUDS, "uds", false, "treat the payload as a UDS request, retry on busy and wait out response pending")
	sendCmd.Flags().BoolVar(&sendNoReply, "no-reply", false, "send without waiting for an answer")
}

var sendCmd = &cobra.Command{
	Use:   "send <hex byte>...",
	Short: "Send a payload to the ECU and print its reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := make([]byte, 0, len(args))
		for _, a := range args {
			v, err := strconv.ParseUint(strings.TrimPrefix(a, "0x"), 16, 8)
			if err != nil {
				return fmt.Errorf("invalid payload byte %q", a)
			}
			payload = append(payload, byte(v))
		}

		cfg, err := ecuSocketConfig()
		if err != nil {
			return err
		}
		// We are the tester, so talk on the ECU's listen identifier.
		cfg.RxID, cfg.TxID = cfg.TxID, cfg.RxID

		if len(payload) > 7 {
			b := bar.New(len(payload), "tx")
			cfg.OnTx = func(sent, total int) {
				b.Set(sent)
			}
			defer b.Finish()
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		tp, cleanup, err := openTransport(ctx, cfg, cancel)
		if err != nil {
			return err
		}
		defer cleanup()

		if sendNoReply {
			return tp.Send(ctx, payload)
		}

		rctx, rcancel := context.WithTimeout(ctx, idleTimeout)
		defer rcancel()

		var resp []byte
		if sendUDS {
			c := uds.NewClient(tp)
			c.OnRetry = func(n uint, err error) {
				log.Printf("retry %d: %v", n, err)
			}
			resp, err = c.Request(rctx, payload)
		} else {
			resp, err = tp.Request(rctx, payload)
		}
		if err != nil {
			return err
		}

		log.Printf("rx % X", resp)
		if label := describeResponse(resp); label != "" {
			log.Println(label)
		}
		return nil
	},
}

func describeResponse(resp []byte) string {
	if len(resp) == 0 {
		return ""
	}
	if resp[0] == uds.NegativeResponse && len(resp) >= 3 {
		return fmt.Sprintf("%s rejected: %s", uds.ServiceName(resp[1]), uds.NRCName(resp[2]))
	}
	if resp[0] >= uds.ResponseOffset && resp[0] != uds.NegativeResponse {
		return uds.ServiceName(resp[0]-uds.ResponseOffset) + " ok"
	}
	return ""
}
