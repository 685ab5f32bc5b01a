// gen-readings наполняет хранилище тестовыми показаниями агродатчиков.
// Инструмент разработки: удобно прогонять выборки и статистику на живом ярусе.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/agrisense/sensorstore/internal/storage"
	"github.com/agrisense/sensorstore/internal/storage/tiered"
	"github.com/agrisense/sensorstore/pkg/config"
)

type options struct {
	configPath string
	sensors    int
	points     int
	step       time.Duration
	startTS    string
	fieldName  string
	debug      bool
}

var readingTypes = []struct {
	name string
	unit string
	min  float64
	max  float64
}{
	{"temperature", "C", -10, 40},
	{"humidity", "%", 20, 95},
	{"soil_moisture", "%", 5, 60},
	{"light", "lux", 0, 90000},
}

func main() {
	opts := parseFlags()
	tiered.SetDebugLogging(opts.debug)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", opts.configPath, err)
	}
	start, err := time.Parse(time.RFC3339, opts.startTS)
	if err != nil {
		log.Fatalf("invalid --start: %v", err)
	}

	ctx := context.Background()
	registry := tiered.NewRegistry(cfg.Storage)
	defer registry.Close()

	svc, err := registry.Get(ctx)
	if err != nil {
		log.Fatalf("storage init: %v", err)
	}
	log.Printf("selected backend: %s (available=%v)", svc.Kind(), svc.Available())

	total := 0
	for i := 0; i < opts.sensors; i++ {
		sensorID := fmt.Sprintf("AGRO-%03d", i+1)
		batch := make([]storage.Reading, 0, opts.points)
		for p := 0; p < opts.points; p++ {
			rt := readingTypes[p%len(readingTypes)]
			value := rt.min + rand.Float64()*(rt.max-rt.min)
			battery := 40 + rand.Intn(60)
			signal := -90 + rand.Intn(50)
			batch = append(batch, storage.Reading{
				SensorID:       sensorID,
				Timestamp:      start.Add(time.Duration(p) * opts.step),
				ReadingType:    rt.name,
				Value:          &value,
				Unit:           rt.unit,
				Field:          opts.fieldName,
				BatteryLevel:   &battery,
				SignalStrength: &signal,
				DataQuality:    "good",
			})
		}
		n, err := svc.Insert(ctx, batch...)
		if err != nil {
			log.Fatalf("insert batch for %s: %v", sensorID, err)
		}
		total += n
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		log.Fatalf("stats: %v", err)
	}
	fmt.Printf("inserted %d readings; store now holds %d (latest %s)\n",
		total, stats.Total, stats.Latest.Format(time.RFC3339))
}

func parseFlags() options {
	var opt options
	flag.StringVar(&opt.configPath, "config", "config.yaml", "path to YAML storage config")
	flag.IntVar(&opt.sensors, "sensors", 5, "number of sensors to generate")
	flag.IntVar(&opt.points, "points", 100, "readings per sensor")
	flag.DurationVar(&opt.step, "step", time.Minute, "interval between readings")
	flag.StringVar(&opt.startTS, "start", "2025-01-01T00:00:00Z", "timestamp of the first reading (RFC3339)")
	flag.StringVar(&opt.fieldName, "field", "north", "field name written to every reading")
	flag.BoolVar(&opt.debug, "debug", false, "enable verbose backend-selection logs")
	flag.Parse()
	return opt
}
