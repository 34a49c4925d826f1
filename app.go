package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kwv/corrnet/prune"
	"github.com/kwv/corrnet/service"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
)

const defaultConfigFile = "config.yaml"

// App encapsulates the application state and dependencies
type App struct {
	Config       *service.Config
	Network      *prune.Network
	StateTracker *service.StateTracker
	Estimator    *service.Estimator
	MQTTClient   *service.MQTTClient
	Publisher    *service.Publisher
	Logger       *logrus.Logger

	// CLI options
	ConfigFile string
	Weights    string
	HttpPort   int
	MqttMode   bool
	HttpMode   bool

	// stdin is read by RunEstimate for input "-"
	stdin io.Reader
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		StateTracker: service.NewStateTracker(),
		Logger:       logrus.New(),
		ConfigFile:   defaultConfigFile,
		stdin:        os.Stdin,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Weights = opts.Weights
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
	a.Logger.SetLevel(opts.LogLevel)
}

// loadConfig reads the config file. A missing default config falls back to
// the built-in configuration; an explicitly named one must exist.
func (a *App) loadConfig() error {
	path := a.ConfigFile
	if path == "" {
		path = defaultConfigFile
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigFile {
		a.Logger.WithField("config", path).Warn("no config file, using defaults")
		a.Config = service.DefaultConfig()
		return nil
	}

	config, err := service.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	a.Config = config
	a.Logger.WithField("config", path).Info("loaded config")
	return nil
}

// loadNetwork builds the network and loads its weights, if any
func (a *App) loadNetwork() error {
	if a.Config == nil {
		if err := a.loadConfig(); err != nil {
			return err
		}
	}

	network, err := prune.NewNetwork(a.Config.Network, prune.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("building network: %w", err)
	}

	weights := a.Weights
	if weights == "" {
		weights = a.Config.Weights
	}
	if weights == "" {
		a.Logger.WithField("seed", a.Config.Network.Seed).Warn("no weights configured, using seeded initialization")
	} else {
		if err := network.Params().LoadFile(weights); err != nil {
			return err
		}
		a.Logger.WithField("weights", weights).Info("loaded weights")
	}

	a.Network = network
	a.Estimator = service.NewEstimator(network, a.StateTracker, nil, a.Logger)
	return nil
}

// RunService serves estimates until ctx is cancelled
func (a *App) RunService(ctx context.Context) error {
	a.Logger.WithField("version", Version).Info("starting corrnet service")

	if err := a.loadNetwork(); err != nil {
		return err
	}

	if a.MqttMode {
		mqttClient, err := service.InitMQTT(a.Config, a.Estimator.HandleMessage, a.Logger)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient != nil {
			a.MQTTClient = mqttClient
			a.Publisher = service.NewPublisher(mqttClient.GetClient(), a.Config.MQTT.PublishPrefix, a.Logger)
			a.Estimator.SetPublisher(a.Publisher)
			for _, sc := range a.Config.Sources {
				a.Logger.WithFields(logrus.Fields{"source": sc.ID, "topic": sc.Topic}).Info("source configured")
			}
			a.Logger.WithField("prefix", a.Publisher.Prefix()).Info("publishing estimates to {prefix}/{sourceID} and {prefix}/estimates")
		}
	}

	var server *http.Server
	errCh := make(chan error, 1)
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.StateTracker, a.Estimator, a.Logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.Logger.WithField("addr", server.Addr).Info("starting HTTP server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	if a.MQTTClient == nil && server == nil {
		return errors.New("nothing to serve: enable --http or configure an MQTT broker")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	a.Logger.Info("shutting down service")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.Logger.WithError(err).Warn("HTTP shutdown")
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	a.Logger.Info("service stopped")
	return runErr
}

// RunEstimate estimates the request in input (a file, a URL or - for
// stdin) and prints one table row per pair and stage
func (a *App) RunEstimate(ctx context.Context, input string, out io.Writer) error {
	req, err := a.readRequest(ctx, input)
	if err != nil {
		return err
	}
	if err := a.loadNetwork(); err != nil {
		return err
	}
	result, err := a.Estimator.Handle("cli", req)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "request %s\n", result.RequestID)
	renderResult(out, result)
	return nil
}

// readRequest loads an estimate request from a URL, stdin or a file
func (a *App) readRequest(ctx context.Context, input string) (*service.EstimateRequest, error) {
	if service.IsURL(input) {
		return service.FetchRequest(ctx, input)
	}

	var data []byte
	var err error
	if input == "-" {
		data, err = io.ReadAll(a.stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	return service.DecodeRequest(data)
}

// renderResult writes an estimate result as a table
func renderResult(out io.Writer, result *service.EstimateResult) {
	var rows [][]string
	for p, pair := range result.Pairs {
		for _, st := range pair.Stages {
			degenerate := ""
			if st.Degenerate {
				degenerate = "yes"
			}
			rows = append(rows, []string{
				strconv.Itoa(p),
				strconv.Itoa(st.Stage),
				fmt.Sprintf("%d/%d", st.Inliers, len(pair.Weights)),
				degenerate,
				formatEssential(st.EHat),
			})
		}
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"PAIR", "STAGE", "INLIERS", "DEGENERATE", "E_HAT"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(rows)
	table.Render()
}

func formatEssential(e [9]float64) string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	return strings.Join(parts, " ")
}

// RunInitWeights writes the seeded parameters of the configured network
func (a *App) RunInitWeights(output string) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	network, err := prune.NewNetwork(a.Config.Network, prune.WithLogger(a.Logger))
	if err != nil {
		return fmt.Errorf("building network: %w", err)
	}
	if err := network.Params().SaveFile(output); err != nil {
		return err
	}
	a.Logger.WithFields(logrus.Fields{
		"output":     output,
		"parameters": network.Params().Count(),
	}).Info("wrote checkpoint")
	return nil
}
