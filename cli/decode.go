package cli

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ecowatt/internal/compress"
	"ecowatt/internal/configsync"
	"ecowatt/models"
)

// newDecodeCommand decodes a compressed payload for field diagnostics:
// paste the base64 (or hex) bytes from an ingest record and get the sample
// matrix back.
func newDecodeCommand() *cobra.Command {
	var (
		asHex        bool
		registersCSV string
	)
	cmd := &cobra.Command{
		Use:   "decode <payload>",
		Short: "Decode a compressed batch payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if asHex {
				data, err = hex.DecodeString(strings.TrimSpace(args[0]))
			} else {
				data, err = base64.StdEncoding.DecodeString(strings.TrimSpace(args[0]))
			}
			if err != nil {
				return fmt.Errorf("decode input: %w", err)
			}
			var regs []models.RegID
			if registersCSV != "" {
				regs, err = configsync.ParseRegisterList(registersCSV)
				if err != nil {
					return err
				}
			}

			out := make([]uint16, models.MaxBatchSamples*models.MaxRegisters)
			n, err := compress.Decode(data, regs, out)
			if err != nil {
				return err
			}
			method := models.MethodForTag(data[0])
			fmt.Printf("method=%s values=%d\n", method, n)
			regCount := len(regs)
			if regCount == 0 {
				regCount = n
			}
			for i := 0; i < n; i += regCount {
				end := i + regCount
				if end > n {
					end = n
				}
				fmt.Println(out[i:end])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "Input is hex instead of base64")
	cmd.Flags().StringVar(&registersCSV, "registers", "", "Comma-separated register IDs of the batch layout (required for dictionary payloads)")
	return cmd
}
