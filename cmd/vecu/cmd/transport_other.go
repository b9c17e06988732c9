//go:build !linux

package cmd

import (
	"errors"

	"github.com/vecutools/vecu/pkg/isotp"
)

func newKernelTransport(cfg isotp.SocketConfig) (transport, error) {
	return nil, errors.New("--kernel-isotp needs the linux CAN_ISOTP module")
}
