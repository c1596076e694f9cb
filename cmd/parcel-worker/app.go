package main

import (
	"context"
	"fmt"
	"time"

	"github.com/parceldesk/parceldesk/config"
	"github.com/parceldesk/parceldesk/internal/broker/kafka"
	"github.com/parceldesk/parceldesk/internal/cache/rediscache"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier/fedex"
	"github.com/parceldesk/parceldesk/internal/integrations/carrier/usps"
	"github.com/parceldesk/parceldesk/internal/models"
	"github.com/parceldesk/parceldesk/internal/services/refresher"
	"github.com/parceldesk/parceldesk/internal/storage/pgshipment"
)

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo refresher.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) refresher.Producer
	newRateLimiter func(cfg *config.Config) refresher.RateLimiter
	newGateways    func(cfg *config.Config) *carrier.Registry
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (refresher.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipment.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) refresher.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) refresher.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newGateways: func(cfg *config.Config) *carrier.Registry {
			// USPS degrades to simulation internally when user_id is empty;
			// FedEx demo mode is the explicit way to run without credentials.
			return carrier.NewRegistry().
				Register(models.CarrierUSPS, usps.New(cfg.Carriers.USPS.BaseURL, cfg.Carriers.USPS.UserID)).
				Register(models.CarrierFedEx, fedex.New(
					cfg.Carriers.FedEx.BaseURL,
					cfg.Carriers.FedEx.ClientID,
					cfg.Carriers.FedEx.ClientSecret,
				).WithDemoMode(cfg.Carriers.FedEx.DemoMode))
		},
	}
}

func plannerConfigFrom(cfg *config.Config) refresher.PlannerConfig {
	pc := refresher.PlannerConfig{}
	pd := cfg.ParcelDesk
	if pd.WorkerNextCheckInTransitMinSeconds > 0 {
		pc.InTransitMinDelay = time.Duration(pd.WorkerNextCheckInTransitMinSeconds) * time.Second
	}
	if pd.WorkerNextCheckInTransitMaxSeconds > 0 {
		pc.InTransitMaxDelay = time.Duration(pd.WorkerNextCheckInTransitMaxSeconds) * time.Second
	}
	if pd.WorkerNextCheckUnknownSeconds > 0 {
		pc.UnknownDelay = time.Duration(pd.WorkerNextCheckUnknownSeconds) * time.Second
	}
	if pd.WorkerBackoff1Seconds > 0 {
		pc.Backoff1 = time.Duration(pd.WorkerBackoff1Seconds) * time.Second
	}
	if pd.WorkerBackoff2Seconds > 0 {
		pc.Backoff2 = time.Duration(pd.WorkerBackoff2Seconds) * time.Second
	}
	if pd.WorkerBackoff3Seconds > 0 {
		pc.Backoff3 = time.Duration(pd.WorkerBackoff3Seconds) * time.Second
	}
	if pd.WorkerBackoff4Seconds > 0 {
		pc.Backoff4 = time.Duration(pd.WorkerBackoff4Seconds) * time.Second
	}
	return pc
}

func buildRefresher(cfg *config.Config, f workerFactories) (*refresher.Refresher, func(), error) {
	topic := cfg.Kafka.ShipmentUpdatedTopicName
	if topic == "" {
		topic = "shipment.updated"
	}

	pollInterval := time.Duration(cfg.ParcelDesk.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.ParcelDesk.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.ParcelDesk.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.ParcelDesk.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.ParcelDesk.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	gateways := f.newGateways(cfg)

	r := refresher.New(repo, gateways, producer, rl, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithCarrierRateLimits(cfg.ParcelDesk.WorkerRateLimitUSPSPerMinute, cfg.ParcelDesk.WorkerRateLimitFedExPerMinute).
		WithPlanner(plannerConfigFrom(cfg))

	return r, closeFn, nil
}

func RunParcelWorker(ctx context.Context, cfg *config.Config, f workerFactories, swaggerPath string) error {
	r, closeFn, err := buildRefresher(cfg, f)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    cfg.ParcelDesk.WorkerHTTPAddr,
			swaggerPath: swaggerPath,
			refresher:   r,
			cfg:         cfg,
		})
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- r.Run(ctx)
	}()

	select {
	case err := <-runErr:
		return err
	case err := <-httpErr:
		return err
	}
}
