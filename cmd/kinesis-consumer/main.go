// Command kinesis-consumer is a documentation-only example wiring the
// consumer and checkpoint packages together against a YAML-configured
// stream. It carries no tested behavior (SPEC_FULL.md §1); it exists to
// show the shape of a real caller.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/saleswhale/kinesis-go/checkpoint"
	"github.com/saleswhale/kinesis-go/consumer"
	"github.com/saleswhale/kinesis-go/internal/logging"
)

// Config is the example's YAML shape, following the teacher's
// flat per-section struct-tag convention.
type Config struct {
	AWS struct {
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"aws"`
	Kinesis struct {
		StreamName string `yaml:"stream_name"`
	} `yaml:"kinesis"`
	Consumer struct {
		ConsumerGroup string `yaml:"consumer_group"`
		ConsumerName  string `yaml:"consumer_name"`
		Mode          string `yaml:"mode"` // "pull" or "push"
	} `yaml:"consumer"`
	Dynamo struct {
		TableName string `yaml:"table_name"`
	} `yaml:"dynamo"`
}

func loadConfig() (*Config, error) {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logOpts := logging.Options{}
	entry := logging.New("kinesis-consumer", logOpts)
	entry.WithFields(logrus.Fields{
		"stream":         cfg.Kinesis.StreamName,
		"consumer_group": cfg.Consumer.ConsumerGroup,
		"mode":           cfg.Consumer.Mode,
	}).Info("starting example consumer")

	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		entry.WithError(err).Fatal("failed to load AWS config")
	}

	kinesisClient := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})

	store := checkpoint.NewStore(dynamoClient, cfg.Dynamo.TableName, entry)
	if err := store.EnsureTable(ctx); err != nil {
		entry.WithError(err).Fatal("failed to ensure checkpoint table")
	}

	mode := consumer.ModePull
	if cfg.Consumer.Mode == "push" {
		mode = consumer.ModePush
	}

	orch := consumer.NewOrchestrator(consumer.Config{
		StreamName:    cfg.Kinesis.StreamName,
		ConsumerGroup: cfg.Consumer.ConsumerGroup,
		ConsumerName:  cfg.Consumer.ConsumerName,
		Mode:          mode,
	}, kinesisClient, store, entry)

	go func() {
		for err := range orch.Errors() {
			entry.WithError(err).Warn("background reader error")
		}
	}()

	handler := func(rec consumer.Record) error {
		entry.WithFields(logrus.Fields{
			"shard_id":        rec.ShardID,
			"sequence_number": rec.SequenceNumber,
			"bytes":           len(rec.Data),
			"arrival_time":    rec.ArrivalTime.Format(time.RFC3339),
		}).Info("received record")
		return nil
	}

	if err := orch.Run(ctx, handler); err != nil {
		entry.WithError(err).Fatal("consumer exited with error")
	}
}
