package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/tiltdrive/internal/api"
	"github.com/banshee-data/tiltdrive/internal/config"
	"github.com/banshee-data/tiltdrive/internal/controller"
	"github.com/banshee-data/tiltdrive/internal/db"
	"github.com/banshee-data/tiltdrive/internal/monitoring"
	"github.com/banshee-data/tiltdrive/internal/sensor"
	"github.com/banshee-data/tiltdrive/internal/telemetry"
	"github.com/banshee-data/tiltdrive/internal/timeutil"
	"github.com/banshee-data/tiltdrive/internal/version"
)

var (
	configPath       = flag.String("config", "", "Path to a control config JSON file (built-in defaults when empty)")
	listen           = flag.String("listen", ":8080", "Listen address")
	port             = flag.String("port", "", "Serial device for the vehicle link (overrides serial_port)")
	dbPath           = flag.String("db", "tiltdrive.db", "Session history database; empty disables history")
	devMode          = flag.Bool("dev", false, "Use a simulated vehicle and tilt sensor")
	disableSerial    = flag.Bool("disable-serial", false, "Run without a vehicle link")
	verbose          = flag.Bool("verbose", false, "Log every vehicle line and dropped sample")
	mqttBroker       = flag.String("mqtt", "", "MQTT broker URL (overrides mqtt_broker)")
	snapshotInterval = flag.Duration("snapshot-interval", time.Second, "How often status snapshots are published")
	reconnectEvery   = flag.Duration("reconnect-interval", 2*time.Second, "Delay between vehicle link reconnect attempts")
	showVersion      = flag.Bool("version", false, "Print version and exit")
)

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig() (*config.ControlConfig, error) {
	cfg := config.DefaultControlConfig()
	if *configPath != "" {
		loaded, err := config.LoadControlConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if *port != "" {
		p := *port
		cfg.SerialPort = &p
	}
	if *mqttBroker != "" {
		b := *mqttBroker
		cfg.MQTTBroker = &b
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetVerbose(*verbose)
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	link, err := openLink(cfg, *devMode, *disableSerial)
	if err != nil {
		log.Fatalf("failed to open vehicle link: %v", err)
	}

	var (
		source    sensor.Source
		mqttSrc   *sensor.MQTTSource
		mqttConn  mqtt.Client
		publisher *telemetry.MQTTPublisher
	)
	switch {
	case cfg.GetMQTTBroker() != "":
		mqttConn, err = sensor.DialMQTT(cfg.GetMQTTBroker(), fmt.Sprintf("tiltdrive-%d", os.Getpid()))
		if err != nil {
			log.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		mqttSrc = sensor.NewMQTTSource(mqttConn, cfg.GetMQTTMotionTopic(), cfg.GetMQTTOrientationTopic())
		source = mqttSrc
		if topic := cfg.GetMQTTTelemetryTopic(); topic != "" {
			publisher = telemetry.NewMQTTPublisher(mqttConn, topic)
		}
	case *devMode:
		source = sensor.NewMockSource(timeutil.RealClock{})
	default:
		log.Printf("no tilt sensor configured; activation will fail until -mqtt or -dev is set")
		unavailable := sensor.NewMockSource(timeutil.RealClock{})
		unavailable.Fail = errors.New("no sensor configured")
		source = unavailable
	}

	var store *db.DB
	var recorder *db.Recorder
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()
		recorder = db.NewRecorder(store, db.DefaultRecorderBuffer, timeutil.RealClock{})
	}

	hub := telemetry.NewHub()
	opts := []controller.Option{controller.WithPublisher(hub)}
	if recorder != nil {
		opts = append(opts, controller.WithRecorder(recorder))
	}
	ctl, err := controller.New(cfg, link, source, opts...)
	if err != nil {
		log.Fatalf("failed to create controller: %v", err)
	}
	if mqttSrc != nil {
		if err := mqttSrc.WatchOrientation(ctl.SetOrientation); err != nil {
			log.Printf("orientation updates unavailable: %v", err)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		superviseLink(ctx, link, *reconnectEvery)
		log.Print("link monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logVehicleLines(ctx, link)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.PublishEvery(ctx, timeutil.RealClock{}, *snapshotInterval, telemetry.KindSnapshot, func() any {
			return ctl.Snapshot()
		})
	}()

	if publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx, hub)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(ctl, store, hub).ServeMux()
		link.AttachAdminRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()

	// Neutral goes out before the link closes.
	if err := ctl.Deactivate(); err != nil && !errors.Is(err, controller.ErrNotActive) {
		log.Printf("deactivate on shutdown: %v", err)
	}
	hub.Close()

	wg.Wait()

	if err := link.Close(); err != nil {
		log.Printf("failed to close vehicle link: %v", err)
	}
	if recorder != nil {
		recorder.Close()
	}
	if mqttConn != nil {
		mqttConn.Disconnect(250)
	}
	log.Printf("Graceful shutdown complete")
}
