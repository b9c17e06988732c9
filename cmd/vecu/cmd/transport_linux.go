package cmd

import (
	"github.com/vecutools/vecu/pkg/isotp"
)

func newKernelTransport(cfg isotp.SocketConfig) (transport, error) {
	return isotp.NewKernelSocket(iface, cfg)
}
