package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ticketmaster/secure-entry-go/entry"
	"github.com/ticketmaster/secure-entry-go/otp"
)

var errNoToken = errors.New("no token given")

func newDecodeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decode [token|-]",
		Short: "Print how a token decodes and which display it needs",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, args)
			if err != nil {
				return err
			}
			e := entry.Decode(token)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "display_type: %s\n", e.DisplayType())
			fmt.Fprintf(out, "render_type:  %s\n", e.RenderType())
			fmt.Fprintf(out, "barcode:      %s\n", e.Barcode())
			fmt.Fprintf(out, "raw_token:    %s\n", e.RawToken())
			fmt.Fprintf(out, "customer_key: %s\n", maskKey(e.CustomerKey()))
			fmt.Fprintf(out, "event_key:    %s\n", maskKey(e.EventKey()))
			return nil
		}),
	}
}

func newSignCmd(a *app) *cobra.Command {
	var (
		atMillis         int64
		deltaMillis      int64
		noCounterPadding bool
	)
	cmd := &cobra.Command{
		Use:   "sign [token|-]",
		Short: "Print the code a scanner would read right now",
		Args:  cobra.MaximumNArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, args)
			if err != nil {
				return err
			}
			e := entry.Decode(token)

			var at time.Time
			if cmd.Flags().Changed("time") {
				at = time.UnixMilli(atMillis)
			} else {
				var provided *int64
				if cmd.Flags().Changed("delta") {
					provided = &deltaMillis
				}
				delta := a.service.Delta(cmd.Context(), provided)
				at = a.service.DateFromTimeDelta(delta, time.Time{})
			}

			fmt.Fprintln(cmd.OutOrStdout(), e.GenerateSignedToken(at, !noCounterPadding))
			return nil
		}),
	}
	cmd.Flags().Int64Var(&atMillis, "time", 0, "Sign at this Unix time in milliseconds instead of the synced clock")
	cmd.Flags().Int64Var(&deltaMillis, "delta", 0, "Use this server time delta in milliseconds instead of syncing")
	cmd.Flags().BoolVar(&noCounterPadding, "no-counter-padding", false, "Sign with the plain 8 byte TOTP counter")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var (
		watch            bool
		noQR             bool
		noCounterPadding bool
	)
	cmd := &cobra.Command{
		Use:   "show [token|-]",
		Short: "Render the entry code in the terminal",
		Long: `show renders the entry code as a QR code. With --watch, rotating codes are
re-rendered every refresh interval until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd, args)
			if err != nil {
				return err
			}
			e := entry.Decode(token)
			if e.DisplayType() == entry.DisplayTypeInvalid {
				return fmt.Errorf("token cannot be displayed: %s", e.Barcode())
			}

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			rendered := make(chan error, 1)
			render := func(e *entry.EntryData, code string) {
				var secondsLeft int
				if e.DisplayType().Rotates() {
					at := a.service.DateFromTimeDelta(a.service.CachedDelta(ctx), time.Time{})
					slot := otp.NewTOTP(otp.SecretFromHex(e.CustomerKey()), entry.TOTPInterval).At(at, !noCounterPadding)
					secondsLeft = slot.SecondsLeft
				}
				err := renderCode(out, code, secondsLeft, !noQR)
				select {
				case rendered <- err:
				default:
				}
			}

			opts := []entry.RefresherOption{
				entry.WithRefreshInterval(a.cfg.Refresh.Interval),
				entry.WithRefresherLogger(a.logger.With().Str("component", "refresher").Logger()),
			}
			if noCounterPadding {
				opts = append(opts, entry.WithoutCounterPadding())
			}
			refresher := entry.NewRefresher(e, a.service, render, opts...)
			refresher.Start(ctx)
			defer refresher.Stop()

			if watch && e.DisplayType().Rotates() {
				a.logger.Debug().Dur("interval", a.cfg.Refresh.Interval).Msg("Watching rotating code")
				<-ctx.Done()
				return nil
			}

			select {
			case err := <-rendered:
				return err
			case <-refresher.Done():
				return ctx.Err()
			}
		}),
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Keep refreshing rotating codes until interrupted")
	cmd.Flags().BoolVar(&noQR, "no-qr", false, "Print the code text only")
	cmd.Flags().BoolVar(&noCounterPadding, "no-counter-padding", false, "Sign with the plain 8 byte TOTP counter")
	return cmd
}

func newSyncCmd(a *app) *cobra.Command {
	var deltaMillis int64
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync with the server clock and print the delta",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			var provided *int64
			if cmd.Flags().Changed("delta") {
				provided = &deltaMillis
			}

			var delta int64
			a.service.SyncTime(cmd.Context(), provided, func(d int64) { delta = d })

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "delta_ms:    %d\n", delta)
			fmt.Fprintf(out, "server_time: %s\n", a.service.DateFromTimeDelta(delta, time.Time{}).UTC().Format(time.RFC3339Nano))
			return nil
		}),
	}
	cmd.Flags().Int64Var(&deltaMillis, "delta", 0, "Store this delta in milliseconds instead of asking the server")
	return cmd
}

// readToken takes the token from args, or the first line of stdin when the
// argument is "-" or missing.
func readToken(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return strings.TrimSpace(args[0]), nil
	}

	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errNoToken
	}
	return line, nil
}

// renderCode prints code, preceded by its QR code when withQR is set. A
// positive secondsLeft is printed as the time until the code rotates.
func renderCode(w io.Writer, code string, secondsLeft int, withQR bool) error {
	if withQR {
		qr, err := NewTerminalQrCode(code)
		if err != nil {
			return fmt.Errorf("failed to encode QR code: %w", err)
		}
		if err := qr.Render(w); err != nil {
			return err
		}
	}

	fmt.Fprintln(w, code)
	if secondsLeft > 0 {
		fmt.Fprintf(w, "rotates in %ds\n", secondsLeft)
	}
	return nil
}

func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}
