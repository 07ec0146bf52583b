// rmppd transfers large management messages between peers with RMPP over
// UDP.
//
// Usage:
//
//	rmppd serve [--config rmppd.yaml] [--listen :7700] [--double-sided]
//	rmppd send <file> --peer host:7700 [--double-sided] [--out reply.bin]
//	rmppd version
//
// serve answers double-sided requests by echoing the payload back and logs
// single-sided transfers.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/rmpp/pkg/agent"
	"github.com/backkem/rmpp/pkg/mad"
	"github.com/backkem/rmpp/pkg/rmpp"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile string
	cfg     Config
)

var rootCmd = &cobra.Command{
	Use:           "rmppd",
	Short:         "Reliable multi-packet transfer of management datagrams",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return applyFlags(cmd, &cfg)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Answer RMPP transfers until interrupted",
	RunE:  runServe,
}

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Transfer a file to a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rmppd %s\n", Version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML configuration file")
	pf.String("log-level", "", "log level (error, warn, info, debug, trace)")
	pf.String("listen", "", "UDP listen address")
	pf.Bool("double-sided", false, "run transfers as double-sided transactions")
	pf.Bool("omit-length", false, "leave the total length undeclared")
	pf.Int("window", 0, "segments per window")
	pf.Int("packet-size", 0, "datagram size in bytes")

	sendCmd.Flags().String("peer", "", "peer address (host:port)")
	sendCmd.Flags().String("out", "", "write the double-sided reply to this file")
	sendCmd.Flags().Duration("timeout", time.Minute, "overall transfer timeout")

	rootCmd.AddCommand(serveCmd, sendCmd, versionCmd)
}

// applyFlags overrides file settings with flags set on the command line.
func applyFlags(cmd *cobra.Command, c *Config) error {
	flags := cmd.Flags()
	var err error
	if flags.Changed("log-level") {
		c.LogLevel, err = flags.GetString("log-level")
	}
	if err == nil && flags.Changed("listen") {
		c.Listen, err = flags.GetString("listen")
	}
	if err == nil && flags.Changed("double-sided") {
		c.DoubleSided, err = flags.GetBool("double-sided")
	}
	if err == nil && flags.Changed("omit-length") {
		c.OmitLength, err = flags.GetBool("omit-length")
	}
	if err == nil && flags.Changed("window") {
		c.WindowSize, err = flags.GetInt("window")
	}
	if err == nil && flags.Changed("packet-size") {
		c.PacketSize, err = flags.GetInt("packet-size")
	}
	if err == nil && flags.Lookup("peer") != nil && flags.Changed("peer") {
		c.Peer, err = flags.GetString("peer")
	}
	if err != nil {
		return err
	}
	return c.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	lf, err := newLoggerFactory(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := lf.NewLogger("rmppd")

	a, err := agent.New(cfg.agentConfig(lf))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	class := mad.MgmtClass(cfg.Class)
	a.Handle(class, func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error) {
		log.Infof("received %d bytes from %v (tid %#x)", len(req.Data), peer, req.Header.TransactionID)
		if !cfg.DoubleSided {
			return nil, nil
		}
		return &rmpp.Message{ClassHeader: req.ClassHeader, Data: req.Data}, nil
	}, agent.HandlerOptions{DoubleSided: cfg.DoubleSided, OmitLength: cfg.OmitLength})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	log.Infof("serving class %s on %v", class, a.LocalAddr())

	<-ctx.Done()

	log.Info("shutting down")
	return a.Stop()
}

func runSend(cmd *cobra.Command, args []string) error {
	if cfg.Peer == "" {
		return fmt.Errorf("no peer configured")
	}
	peer, err := net.ResolveUDPAddr("udp", cfg.Peer)
	if err != nil {
		return fmt.Errorf("resolve peer: %w", err)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	lf, err := newLoggerFactory(cfg.LogLevel)
	if err != nil {
		return err
	}
	ac := cfg.agentConfig(lf)
	ac.ListenAddr = ":0"
	a, err := agent.New(ac)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := a.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer a.Stop()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	msg := &rmpp.Message{
		Header: mad.Header{
			BaseVersion:   mad.BaseVersion,
			MgmtClass:     mad.MgmtClass(cfg.Class),
			ClassVersion:  1,
			Method:        mad.MethodSend,
			TransactionID: newTransactionID(),
		},
		Data: data,
	}

	start := time.Now()
	reply, err := a.Send(ctx, peer, msg, agent.SendOptions{
		DoubleSided: cfg.DoubleSided,
		OmitLength:  cfg.OmitLength,
	})
	if err != nil {
		return fmt.Errorf("send (status %s): %w", rmpp.StatusOf(err), err)
	}
	fmt.Printf("sent %d bytes to %v in %v\n", len(data), peer, time.Since(start).Round(time.Millisecond))

	if reply == nil {
		return nil
	}
	fmt.Printf("reply: %d bytes\n", len(reply.Data))
	if out, _ := cmd.Flags().GetString("out"); out != "" {
		return os.WriteFile(out, reply.Data, 0o644)
	}
	return nil
}

func newTransactionID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(buf[:])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
