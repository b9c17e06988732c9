package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jroimartin/gocui"
	"github.com/spf13/cobra"
	"github.com/vecutools/vecu"
	"github.com/vecutools/vecu/pkg/isotp"
	"github.com/vecutools/vecu/pkg/uds"
)

var monitorFilter string

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorFilter, "filter", "", "comma separated identifiers to show, empty shows everything")
}

var buffLines int64

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor the CANbus for frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		log.Println("Entering monitoring mode")
		ctx := cmd.Context()

		filters, err := parseFilterList(monitorFilter)
		if err != nil {
			return err
		}
		c, err := openClient(ctx, filters...)
		if err != nil {
			return err
		}
		defer c.Close()

		g, err := gocui.NewGui(gocui.OutputNormal)
		if err != nil {
			return err
		}
		g.Cursor = true
		defer g.Close()

		g.SetManagerFunc(monitorLayout)

		if err := monitorKeybindings(g); err != nil {
			return err
		}

		go frameParser(ctx, c, g)

		if err := g.MainLoop(); err != nil && err != gocui.ErrQuit {
			return err
		}
		return nil
	},
}

func parseFilterList(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var ids []uint32
	for _, part := range strings.Split(s, ",") {
		id, err := parseCANID(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func frameParser(ctx context.Context, c *vecu.Client, g *gocui.Gui) {
	var frameCount int
	var kinds [4]int

	sub := c.Subscribe(ctx)
	defer sub.Close()
	for og := range sub.Chan() {
		f := *og // copy before the update closure captures it
		frameCount++
		if pdu, err := isotp.ParseFrame(f.Data); err == nil {
			switch pdu.(type) {
			case isotp.SingleFrame:
				kinds[0]++
			case isotp.FirstFrame:
				kinds[1]++
			case isotp.ConsecutiveFrame:
				kinds[2]++
			case isotp.FlowControlFrame:
				kinds[3]++
			}
		}
		if atomic.LoadInt64(&buffLines) > 50000 {
			continue
		}

		infoText := fmt.Sprintf("frames: %d\nin buffer: %d\n\nSF: %d\nFF: %d\nCF: %d\nFC: %d\n",
			frameCount, atomic.LoadInt64(&buffLines), kinds[0], kinds[1], kinds[2], kinds[3])
		packetLine := fmt.Sprintf(" %s || %s || %s\n",
			time.Now().Format("15:04:05.00000"), f.String(), describeFrame(&f))

		g.Update(func(g *gocui.Gui) error {
			packets, err := g.View("packets")
			if err != nil {
				return err
			}
			info, err := g.View("info")
			if err != nil {
				return err
			}
			info.Clear()
			fmt.Fprint(info, infoText)
			fmt.Fprint(packets, packetLine)
			atomic.AddInt64(&buffLines, 1)
			return nil
		})
	}
}

// describeFrame annotates the transport view of a frame: PCI kind,
// announced length or sequence number, and the UDS service for single
// frames that look like requests or answers.
func describeFrame(f *vecu.CANFrame) string {
	pdu, err := isotp.ParseFrame(f.Data)
	if err != nil {
		return ""
	}
	switch pdu := pdu.(type) {
	case isotp.SingleFrame:
		if len(pdu.Data) == 0 {
			return "SF empty"
		}
		return "SF " + serviceLabel(pdu.Data)
	case isotp.FirstFrame:
		return fmt.Sprintf("FF len=%d", pdu.Length)
	case isotp.ConsecutiveFrame:
		return fmt.Sprintf("CF seq=%d", pdu.Seq)
	case isotp.FlowControlFrame:
		return fmt.Sprintf("FC %s bs=%d", pdu.Status, pdu.BlockSize)
	}
	return ""
}

func serviceLabel(data []byte) string {
	if data[0] == uds.NegativeResponse && len(data) >= 3 {
		return uds.ServiceName(data[1]) + " " + uds.NRCName(data[2])
	}
	if data[0] >= uds.ResponseOffset && data[0] != uds.NegativeResponse {
		return uds.ServiceName(data[0]-uds.ResponseOffset) + " response"
	}
	return uds.ServiceName(data[0])
}

func monitorLayout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	if v, err := g.SetView("info", 0, 0, 25, 9); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Autoscroll = false
		v.Title = "Info"
	}

	if v, err := g.SetView("help", 0, maxY-8, 25, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Autoscroll = false
		v.Wrap = true
		v.Title = "Help"
		fmt.Fprintln(v, "<Q, Ctrl-C> Quit")
		fmt.Fprintln(v, "<Space> Autoscroll")
		fmt.Fprintln(v, "<C> Clear")
	}

	if v, err := g.SetView("packets", 26, 0, maxX-1, maxY-1); err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.SelFgColor = gocui.ColorCyan
		v.Autoscroll = true
		v.Highlight = true
		v.Title = "Frame view"
		if _, err := g.SetCurrentView("packets"); err != nil {
			return err
		}
	}

	return nil
}

func up(g *gocui.Gui, v *gocui.View) error {
	v.MoveCursor(0, -1, false)
	return nil
}

func down(g *gocui.Gui, v *gocui.View) error {
	v.MoveCursor(0, 1, false)
	return nil
}

func flipAutoscroll(g *gocui.Gui, v *gocui.View) error {
	v.Autoscroll = !v.Autoscroll
	return nil
}

func quit(g *gocui.Gui, v *gocui.View) error {
	return gocui.ErrQuit
}

func monitorKeybindings(g *gocui.Gui) error {
	if err := g.SetKeybinding("", 'q', gocui.ModNone, quit); err != nil {
		return err
	}
	if err := g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, quit); err != nil {
		return err
	}

	if err := g.SetKeybinding("packets", 'c', gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			atomic.StoreInt64(&buffLines, 0)
			v.Autoscroll = true
			v.Clear()
			v.SetOrigin(0, 0)
			return nil
		},
	); err != nil {
		return err
	}

	if err := g.SetKeybinding("packets", gocui.KeyHome, gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			cx, cy := v.Cursor()
			v.Autoscroll = false
			v.SetOrigin(0, 0)
			v.SetCursor(cx, cy)
			return nil
		},
	); err != nil {
		return err
	}

	if err := g.SetKeybinding("packets", gocui.KeyEnd, gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			v.Autoscroll = false
			cx, cy := v.Cursor()
			_, y := v.Size()
			v.SetOrigin(0, len(v.BufferLines())-y+1)
			v.SetCursor(cx, cy)
			return nil
		},
	); err != nil {
		return err
	}

	if err := g.SetKeybinding("packets", gocui.KeySpace, gocui.ModNone, flipAutoscroll); err != nil {
		return err
	}

	if err := g.SetKeybinding("packets", gocui.KeyArrowUp, gocui.ModNone, up); err != nil {
		return err
	}
	if err := g.SetKeybinding("packets", gocui.KeyArrowDown, gocui.ModNone, down); err != nil {
		return err
	}

	if err := g.SetKeybinding("packets", gocui.KeyPgup, gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			v.MoveCursor(0, -10, false)
			return nil
		}); err != nil {
		return err
	}
	if err := g.SetKeybinding("packets", gocui.KeyPgdn, gocui.ModNone,
		func(g *gocui.Gui, v *gocui.View) error {
			v.MoveCursor(0, 10, false)
			return nil
		}); err != nil {
		return err
	}

	return nil
}
