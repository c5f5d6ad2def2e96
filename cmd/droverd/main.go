package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/drover-io/drover/rollout"
	"github.com/drover-io/drover/supervisor"
	"github.com/drover-io/drover/util"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"zombiezen.com/go/log"
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		log.Debugf(ctx, "No .env file loaded: %v", err)
	}

	port := os.Getenv("PORT")
	metricsPort := os.Getenv("METRICS_PORT")
	dsn := os.Getenv("DATABASE_URL")
	redisHostPort := os.Getenv("REDIS_HOST_PORT")
	serviceName := os.Getenv("SERVICE_NAME")
	groupName := os.Getenv("GROUP_NAME")
	memberID := os.Getenv("MEMBER_ID")
	strategyName := os.Getenv("UPDATE_STRATEGY")
	installDir := os.Getenv("INSTALL_DIR")
	initialVersion := os.Getenv("INITIAL_VERSION")
	tags := os.Getenv("TAGS")

	if serviceName == "" {
		log.Errorf(ctx, "SERVICE_NAME is required")
		os.Exit(-1)
	}
	if groupName == "" {
		groupName = "default"
	}
	if memberID == "" {
		memberID = uuid.New().String()
	}
	if installDir == "" {
		installDir = "/var/lib/drover/pkgs"
	}

	strategy, err := rollout.ParseStrategy(strategyName)
	if err != nil {
		log.Errorf(ctx, "Invalid configuration: %v", err)
		os.Exit(-1)
	}

	hostname, _ := os.Hostname()

	log.Infof(ctx, "droverd starting up...")
	log.Infof(ctx, "MEMBER_ID: %s", memberID)
	log.Infof(ctx, "SERVICE: %s.%s", serviceName, groupName)
	log.Infof(ctx, "UPDATE_STRATEGY: %s", strategy)
	log.Infof(ctx, "DATABASE_URL: %s", dsn)
	log.Infof(ctx, "REDIS_HOST_PORT: %s", redisHostPort)

	if ip, err := util.OutboundIP(); err != nil {
		log.Errorf(ctx, "failed to get ip: %v", err)
		os.Exit(-1)
	} else {
		log.Infof(ctx, "ip: %s", ip)
		p, _ := strconv.Atoi(port)
		mp, _ := strconv.Atoi(metricsPort)

		config := supervisor.Config{
			MemberID:          memberID,
			Hostname:          hostname,
			RoutableIP:        ip,
			ServicePort:       p,
			MetricsPort:       mp,
			Service:           serviceName,
			Group:             groupName,
			Strategy:          strategy,
			Tags:              splitTags(tags),
			TableStoreDSN:     dsn,
			RedisHostPort:     redisHostPort,
			InstallDir:        installDir,
			InitialVersion:    initialVersion,
			HeartbeatInterval: 5 * time.Second,
		}

		sup, err := supervisor.New(ctx, config)
		if err != nil {
			log.Errorf(ctx, "failed to create supervisor: %v", err)
			os.Exit(-1)
		}

		go func() {
			if err := sup.Start(); err != nil {
				log.Errorf(ctx, "failed to start supervisor: %v", err)
				os.Exit(-1)
			}
		}()

		service := supervisor.NewService(ctx, sup, p)
		if err := service.Serve(); err != nil {
			log.Errorf(ctx, "unable to serve: %v", err)
			os.Exit(-1)
		}
	}
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}

	tags := make([]string, 0)
	for _, t := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}
