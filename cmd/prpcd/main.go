// Command prpcd runs a prpc provider hosting the demo HelloService, or calls a remote
// service from the command line.
//
//	prpcd -c prpc.yaml serve
//	prpcd -c prpc.yaml call --group hello hello World
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"prpc/bootstrap"
	"prpc/client"
	"prpc/config"
)

var Version = "0.1.0"

var (
	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "Load configuration from `FILE`; defaults apply when empty",
			EnvVar: "PRPC_CONFIG",
		},
		cli.StringFlag{
			Name:   "log-level, l",
			Usage:  "log level, debug|info|warn|error; overrides log_level from the file",
			EnvVar: "PRPC_LOG_LEVEL",
		},
	}

	cmdServe = cli.Command{
		Name:  "serve",
		Usage: "serve the demo HelloService until interrupted",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "port, p",
				Usage: "listen port, overrides server_port",
			},
			cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "time allowed for in-flight requests on shutdown",
				Value: 5 * time.Second,
			},
		},
		Action: serve,
	}

	cmdCall = cli.Command{
		Name:      "call",
		Usage:     "invoke a remote method with string arguments and print the result",
		ArgsUsage: "METHOD [ARG...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "interface, i",
				Value: helloInterface,
			},
			cli.StringFlag{
				Name:  "group, g",
				Value: helloGroup,
			},
		},
		Action: call,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "prpcd"
	app.Version = Version
	app.Usage = "prpc provider and command line consumer"
	app.Flags = globalFlags
	app.Commands = []cli.Command{cmdServe, cmdCall}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	path := c.GlobalString("config")
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	return cfg, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.ServerPort = c.Int("port")
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	promReg := prometheus.NewRegistry()
	app, err := bootstrap.New(cfg, bootstrap.WithLogger(logger), bootstrap.WithPrometheus(promReg))
	if err != nil {
		return err
	}
	if err := registerDemoServices(app.Server, cfg.ServerPort); err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	served := make(chan error, 1)
	go func() { served <- app.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-served:
		app.Close(c.Duration("shutdown-timeout"))
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.Stringer("signal", s))
	}
	if err := app.Close(c.Duration("shutdown-timeout")); err != nil {
		return err
	}
	return <-served
}

func call(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("call needs a METHOD", 2)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	app, err := bootstrap.New(cfg, bootstrap.WithLogger(logger))
	if err != nil {
		return err
	}
	defer app.Close(time.Second)

	args := make([]any, 0, c.NArg()-1)
	for _, a := range c.Args().Tail() {
		args = append(args, a)
	}
	result, err := client.Call[any](context.Background(), app.Client,
		c.String("interface"), c.String("group"), c.Args().First(), args...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, result)
	return nil
}
