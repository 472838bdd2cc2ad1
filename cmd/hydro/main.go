package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/Moth-Balls/Hydro-Assist/src/api"
	"github.com/Moth-Balls/Hydro-Assist/src/config"
	"github.com/Moth-Balls/Hydro-Assist/src/control"
	"github.com/Moth-Balls/Hydro-Assist/src/dosing"
	"github.com/Moth-Balls/Hydro-Assist/src/health"
	"github.com/Moth-Balls/Hydro-Assist/src/history"
	"github.com/Moth-Balls/Hydro-Assist/src/kalman"
	"github.com/Moth-Balls/Hydro-Assist/src/profiler"
	"github.com/Moth-Balls/Hydro-Assist/src/report"
	"github.com/Moth-Balls/Hydro-Assist/src/sensor"

	log "github.com/sirupsen/logrus"
)

var (
	configPath   = flag.String("config", "hydro.yml", "path to the YAML config, defaults are used if it does not exist")
	logLevel     = flag.String("log-level", "", "overrides log_level from the config")
	dryRun       = flag.Bool("dry-run", false, "plan doses without running the pumps")
	calibrateTDS = flag.Float64("calibrate-tds", 0, "calibrate every tds probe against this reading of the solution and exit")
	testPumps    = flag.Bool("test-pumps", false, "run every pump forward and back and exit")
)

func init() {
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{
			"PATH": *configPath,
		}).Warn("config not found, using defaults")
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *dryRun {
		cfg.DryRun = true
	}
	return cfg, cfg.Validate()
}

func buildQuantities(cfg *config.Config, conn i2c.Connector) ([]*control.Quantity, error) {
	adcs := make(map[string]sensor.Reader, len(cfg.ADCs))
	for _, a := range cfg.ADCs {
		d, err := sensor.NewADS1115(conn, a.Bus, a.Address)
		if err != nil {
			return nil, err
		}
		adcs[a.Name] = d
	}

	quantities := make([]*control.Quantity, 0, len(cfg.Quantities))
	for _, qc := range cfg.Quantities {
		probes := make([]*sensor.Probe, 0, len(qc.Sensors))
		for _, s := range qc.Sensors {
			probes = append(probes, sensor.NewProbe(s.Name, adcs[s.ADC], s.Pin, s.Converter()))
		}
		q, err := control.NewQuantity(qc.Name, sensor.NewGroup(probes...), control.QuantityConfig{
			Form:             qc.Form,
			MeasurementNoise: qc.MeasurementNoise,
			ProcessNoise:     qc.ProcessNoise,
			Seed:             kalman.State{Estimate: qc.Seed.Estimate, Uncertainty: qc.Seed.Uncertainty},
		})
		if err != nil {
			return nil, err
		}
		quantities = append(quantities, q)
	}
	return quantities, nil
}

func buildDoser(cfg *config.Config, r *raspi.Adaptor) (*dosing.Doser, error) {
	pumps := make([]*dosing.Pump, 0, len(cfg.Pumps))
	for _, pc := range cfg.Pumps {
		var opts []dosing.Option
		if pc.StepsPerML > 0 {
			opts = append(opts, dosing.WithStepsPerML(pc.StepsPerML))
		}
		if pc.StepRate > 0 {
			opts = append(opts, dosing.WithStepRate(pc.StepRate))
		}
		p, err := dosing.NewPump(pc.Name, r, pc.StepPin, pc.DirPin, opts...)
		if err != nil {
			return nil, err
		}
		pumps = append(pumps, p)
	}

	rules := make([]dosing.Rule, 0, len(cfg.Dosing))
	for _, rc := range cfg.Dosing {
		rules = append(rules, dosing.Rule{
			Quantity:  rc.Quantity,
			Target:    rc.Target,
			Deadband:  rc.Deadband,
			MLPerUnit: rc.MLPerUnit,
			MaxML:     rc.MaxML,
			Cooldown:  rc.CooldownDuration(),
			Raise:     rc.Raise,
			Lower:     rc.Lower,
			ValidMin:  rc.ValidMin,
			ValidMax:  rc.ValidMax,
		})
	}
	return dosing.NewDoser(dosing.NewPlanner(rules...), pumps, cfg.DryRun), nil
}

// calibrate takes one reading of every tds probe and rescales it to trueValue.
func calibrate(quantities []*control.Quantity, trueValue float32) error {
	var n int
	for _, q := range quantities {
		for _, p := range q.Group().Probes() {
			tds, ok := p.Converter().(*sensor.TDS)
			if !ok {
				continue
			}
			if _, err := p.Read(); err != nil {
				return err
			}
			if err := tds.Calibrate(trueValue); err != nil {
				return fmt.Errorf("calibrate %s: %w", p.Name, err)
			}
			n++
			log.WithFields(log.Fields{
				"SENSOR":       p.Name,
				"COMPENSATION": tds.Compensation,
			}).Info("calibrated, put this value in the config")
		}
	}
	if n == 0 {
		return errors.New("no tds probes configured")
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(level)

	r := raspi.NewAdaptor()
	if err := r.Connect(); err != nil {
		log.Fatalf("Failed to connect to the board: %v", err)
	}
	defer r.Finalize()

	quantities, err := buildQuantities(cfg, r)
	if err != nil {
		log.Fatalf("Failed to set up sensors: %v", err)
	}
	doser, err := buildDoser(cfg, r)
	if err != nil {
		log.Fatalf("Failed to set up pumps: %v", err)
	}

	if *calibrateTDS > 0 {
		if err := calibrate(quantities, float32(*calibrateTDS)); err != nil {
			log.Fatal(err)
		}
		return
	}
	if *testPumps {
		if err := doser.TestAll(ctx); err != nil {
			log.Fatal(err)
		}
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := report.NewMetrics(reg)
	if err != nil {
		log.Fatal(err)
	}

	store, err := history.Open(cfg.History.Path, cfg.History.MaxEntries)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	latest := report.NewLatest()
	seed := report.Snapshot{Values: map[string]float32{}, Timestamp: time.Now()}
	for _, q := range quantities {
		seed.Values[q.Name] = q.State().Estimate
	}
	latest.Merge(seed)

	publisher := report.NewPublisher(latest, metrics, store)
	if cfg.MQTT.Enabled {
		mc := report.MQTTConfig{
			BrokerURL:     cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
			TopicPrefix:   cfg.MQTT.TopicPrefix,
			QoS:           cfg.MQTT.QoS,
			Retained:      cfg.MQTT.Retained,
			MaxRetries:    cfg.MQTT.MaxRetries,
			RetryInterval: cfg.MQTT.RetryDuration(),
		}
		client, err := report.Dial(mc)
		if err != nil {
			log.Fatal(err)
		}
		defer client.Disconnect(250)
		publisher.Add(report.NewMQTT(client, mc))
	}

	hs := health.New()
	if cfg.Health.Enabled {
		if err := hs.Start(cfg.Health.Addr); err != nil {
			log.Fatal(err)
		}
		defer hs.Stop()
	}

	if cfg.API.Enabled {
		srv := api.New(cfg.API.Addr, latest, store, reg)
		go func() {
			if err := srv.Start(); err != nil {
				log.Errorf("API server failed: %v", err)
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Profiler.Enabled {
		p, err := profiler.Start(cfg.Profiler.Addr)
		if err != nil {
			log.Fatal(err)
		}
		defer p.Shutdown(context.Background())
	}

	loop, err := control.New(quantities,
		control.WithInterval(cfg.IntervalDuration()),
		control.WithSink(publisher),
		control.WithActuator(doser),
		control.WithStatus(hs))
	if err != nil {
		log.Fatal(err)
	}

	hs.SetServing(true)
	log.WithFields(log.Fields{
		"QUANTITIES": len(quantities),
		"INTERVAL":   cfg.IntervalDuration(),
		"DRY_RUN":    cfg.DryRun,
	}).Info("started")

	if err := loop.Run(ctx); err != nil {
		log.Error(err)
	}
	hs.SetServing(false)
	log.Info("stopped")
}
