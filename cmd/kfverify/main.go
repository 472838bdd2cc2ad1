package main

import (
	"flag"
	"os"

	"github.com/Moth-Balls/Hydro-Assist/src/verify"

	log "github.com/sirupsen/logrus"
)

var (
	trials  = flag.Int("trials", verify.DefaultConfig().Trials, "number of random inputs")
	tol     = flag.Float64("tol", verify.DefaultTolerance, "relative tolerance between the two forms")
	seed    = flag.Uint64("seed", verify.DefaultConfig().Seed, "random seed")
	sensors = flag.Int("max-sensors", verify.DefaultConfig().MaxSensors, "largest batch size to draw")
	verbose = flag.Bool("v", false, "log the worst trial")
)

func init() {
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
}

func main() {
	report, err := verify.Run(verify.Config{
		Trials:     *trials,
		Tolerance:  *tol,
		Seed:       *seed,
		MaxSensors: *sensors,
	})
	if err != nil {
		log.Fatal(err)
	}

	w := report.Worst
	log.WithFields(log.Fields{
		"BATCH":  w.Batch,
		"Q":      w.ProcessNoise,
		"R":      w.MeasurementNoise,
		"SEED":   w.Seed,
		"SCALAR": w.Scalar,
		"MATRIX": w.Matrix,
	}).Debug("worst trial")

	if !report.OK() {
		log.Error(report.String())
		os.Exit(1)
	}
	log.Info(report.String())
}
