// zwoserver emulates a ZWO camera server over TCP so acquisition pipelines
// and guiders can run end-to-end without hardware attached.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/leaanthony/clir"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carnegie-observatories/zwo/camera"
	"github.com/carnegie-observatories/zwo/client"
	"github.com/carnegie-observatories/zwo/config"
	"github.com/carnegie-observatories/zwo/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "zwoserver: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)

	cli := clir.NewCli("zwoserver", "ZWO camera server emulator", camera.Version)

	port := cfg.Port
	seedStr := ""
	if cfg.Seed != nil {
		seedStr = strconv.FormatInt(*cfg.Seed, 10)
	}

	serveCmd := cli.NewSubCommand("serve", "Run the emulator server")
	serveCmd.IntFlag("port", "TCP port to listen on", &port)
	serveCmd.StringFlag("seed", "RNG seed for reproducible images (empty = nondeterministic)", &seedStr)
	serveCmd.Action(func() error {
		seed, err := parseSeed(seedStr)
		if err != nil {
			return err
		}
		return runServe(port, seed)
	})

	demoAddr := fmt.Sprintf("127.0.0.1:%d", server.DefaultPort)
	demoCmd := cli.NewSubCommand("demo", "Capture one frame from a running server and report statistics")
	demoCmd.StringFlag("addr", "Server address to connect to", &demoAddr)
	demoCmd.Action(func() error {
		return runDemo(demoAddr)
	})

	cli.DefaultCommand(serveCmd)

	if err := cli.Run(); err != nil {
		log.Fatal().Err(err).Msg("zwoserver failed")
	}
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func parseSeed(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid seed %q", s)
	}
	return &v, nil
}

func runServe(port int, seed *int64) error {
	srv := server.New(fmt.Sprintf(":%d", port), seed)
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Shutdown()
	}()

	return srv.Serve(ctx)
}

// runDemo performs the canonical first-light sequence: open, configure a
// small 16-bit readout, expose, download, and report pixel statistics.
func runDemo(addr string) error {
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	version, err := c.Version()
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Msg("connected")

	info, err := c.Open()
	if err != nil {
		return err
	}
	log.Info().
		Int("width", info.Width).
		Int("height", info.Height).
		Int("bit_depth", info.BitDepth).
		Str("model", info.Model).
		Msg("camera open")

	roi, err := c.Setup(0, 0, 512, 512, 1, 16)
	if err != nil {
		return err
	}
	if _, err := c.ExpTime(0.1); err != nil {
		return err
	}
	if err := c.Expose(); err != nil {
		return err
	}

	time.Sleep(150 * time.Millisecond)

	status, err := c.Status()
	if err != nil {
		return err
	}
	log.Info().Str("status", status).Msg("exposure finished")

	frame, err := c.Data(0)
	if err != nil {
		return err
	}

	lo, hi := uint16(0xffff), uint16(0)
	for i := 0; i+1 < len(frame); i += 2 {
		v := binary.LittleEndian.Uint16(frame[i:])
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	log.Info().
		Int("bytes", len(frame)).
		Int("width", roi.Width).
		Int("height", roi.Height).
		Uint16("min", lo).
		Uint16("max", hi).
		Msg("frame downloaded")

	return c.CloseCamera()
}
