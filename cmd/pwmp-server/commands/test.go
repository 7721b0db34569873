package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PixelWeatherProject/pwmp-server/internal/tester"
)

// testCmd exercises a running PWMP server as a client.
func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <host> <mac> [port]",
		Short: "Test connection to a PWMP server",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			host, mac := args[0], args[1]

			var port uint16
			if len(args) == 3 {
				parsed, err := strconv.ParseUint(args[2], 10, 16)
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[2], err)
				}
				port = uint16(parsed)
			}

			return tester.Run(host, port, mac, logger)
		},
	}
}
