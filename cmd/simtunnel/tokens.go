package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/mobileatlas/simtunnel/internal/client"
	"github.com/mobileatlas/simtunnel/internal/protocol"
	"github.com/mobileatlas/simtunnel/internal/transport"
)

func genTokenCmd() *cobra.Command {
	var withHash bool

	cmd := &cobra.Command{
		Use:   "gen-token",
		Short: "Generate a random token",
		Long:  "Generate a random base64 token for the API token allow-list or a static session.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok protocol.Token
			if _, err := rand.Read(tok[:]); err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			fmt.Println(tok.Base64())
			if withHash {
				hash, err := bcrypt.GenerateFromPassword(tok[:], bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				fmt.Println(string(hash))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&withHash, "hash", false, "Also print the bcrypt hash for token_hash")

	return cmd
}

func hashTokenCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash a token for the allow-list",
		Long: `Print the bcrypt hash of a base64 token for use as token_hash in
auth.api_tokens. Without an argument the token is read from the terminal
without echo, or from stdin when it is not a terminal.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				var err error
				if raw, err = readSecret("Token: "); err != nil {
					return err
				}
			}

			tok, err := protocol.ParseToken(strings.TrimSpace(raw))
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword(tok[:], cost)
			if err != nil {
				return fmt.Errorf("failed to hash token: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	return cmd
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return line, nil
}

func certCmd() *cobra.Command {
	var (
		certFile   string
		keyFile    string
		commonName string
		hosts      []string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed TLS certificate",
		Long:  "Generate a self-signed ECDSA certificate and key for development listeners.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := transport.GenerateAndSaveCert(certFile, keyFile, commonName, hosts, validFor); err != nil {
				return err
			}
			fmt.Printf("Certificate: %s\nKey:         %s\n", certFile, keyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "server.crt", "Certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "server.key", "Key output path")
	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Certificate common name")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "Additional DNS names or IP addresses")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Validity period")

	return cmd
}

func probeCmd() *cobra.Command {
	var (
		address    string
		token      string
		imsi       string
		iccid      string
		apdu       string
		useTLS     bool
		caFile     string
		serverName string
		insecure   bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Open a diagnostic tunnel",
		Long: `Connect to the probe listener, request a tunnel to a SIM and send a
Reset (or the given APDU), then print the reply. The token may also be
given in SIMTUNNEL_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("SIMTUNNEL_TOKEN")
			}
			tok, err := protocol.ParseToken(token)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}

			var ident protocol.Identifier
			switch {
			case imsi != "" && iccid != "":
				return errors.New("set only one of --imsi and --iccid")
			case imsi != "":
				ident, err = protocol.NewImsi(imsi)
			case iccid != "":
				ident, err = protocol.NewIccid(iccid)
			default:
				return errors.New("--imsi or --iccid is required")
			}
			if err != nil {
				return err
			}

			packet := protocol.NewPacket(protocol.OpReset, nil)
			if apdu != "" {
				payload, err := hex.DecodeString(strings.ReplaceAll(apdu, " ", ""))
				if err != nil {
					return fmt.Errorf("apdu: %w", err)
				}
				packet = protocol.NewPacket(protocol.OpApdu, payload)
			}

			var tlsCfg *tls.Config
			if useTLS {
				if tlsCfg, err = transport.ClientTLSConfig(caFile, serverName, insecure); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			start := time.Now()
			tun, err := client.Connect(ctx, client.Config{Address: address, Token: tok, TLS: tlsCfg, Timeout: timeout}, ident)
			if err != nil {
				return err
			}
			defer tun.Close()
			fmt.Printf("Tunnel to %s established in %s\n", ident, time.Since(start).Round(time.Millisecond))

			tun.SetDeadline(time.Now().Add(timeout))
			if err := tun.Send(packet); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			reply, err := tun.Receive()
			if err != nil {
				return fmt.Errorf("receive: %w", err)
			}
			fmt.Printf("%s %s\n", reply.Opcode, hex.EncodeToString(reply.Payload))
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:5555", "Probe listener address")
	cmd.Flags().StringVarP(&token, "token", "t", "", "Base64 probe token")
	cmd.Flags().StringVar(&imsi, "imsi", "", "IMSI of the SIM")
	cmd.Flags().StringVar(&iccid, "iccid", "", "ICCID of the SIM")
	cmd.Flags().StringVar(&apdu, "apdu", "", "Hex APDU to send instead of a Reset")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "Connect with TLS")
	cmd.Flags().StringVar(&caFile, "ca", "", "CA bundle for verifying the broker")
	cmd.Flags().StringVar(&serverName, "server-name", "", "TLS server name")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall timeout")

	return cmd
}
