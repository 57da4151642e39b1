package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aerospike/aerospike-client-csharp-sub013/cluster"
	"github.com/aerospike/aerospike-client-csharp-sub013/pkg/webapi"
)

var rootCmd = &cobra.Command{
	Use:   "astool",
	Short: "Connects to a cluster, tends it, and reports topology transitions",

	Run: func(cmd *cobra.Command, args []string) {
		startTool()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("seeds", "localhost:3000", "comma-separated seed host list")
	configFlags.String("user", "", "cluster username")
	configFlags.String("pass", "", "cluster password")
	configFlags.String("cluster-name", "", "expected cluster name")
	configFlags.Duration("tend-interval", cluster.DefaultTendInterval, "delay between tend cycles")
	configFlags.Duration("timeout", cluster.DefaultConnectionTimeout, "socket timeout for info exchanges")
	configFlags.Bool("fail-fast", false, "fail immediately when no seed can be reached")
	configFlags.String("web-listen", "127.0.0.1:9292", "listen address for the metrics/health/topology web api")
	rootCmd.Flags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("as")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

type toolConfig struct {
	logLevelStr  string
	seedsStr     string
	user         string
	pass         string
	clusterName  string
	tendInterval time.Duration
	timeout      time.Duration
	failFast     bool
	webListen    string
}

func readConfig(logger *zap.Logger) *toolConfig {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			logger.Warn("failed to read config file", zap.Error(err))
		}
	}

	return &toolConfig{
		logLevelStr:  viper.GetString("log-level"),
		seedsStr:     viper.GetString("seeds"),
		user:         viper.GetString("user"),
		pass:         viper.GetString("pass"),
		clusterName:  viper.GetString("cluster-name"),
		tendInterval: viper.GetDuration("tend-interval"),
		timeout:      viper.GetDuration("timeout"),
		failFast:     viper.GetBool("fail-fast"),
		webListen:    viper.GetString("web-listen"),
	}
}

func startTool() {
	logLevel, logger := getLogger()
	defer func() {
		_ = logger.Sync()
	}()

	config := readConfig(logger)

	parsedLogLevel, err := zapcore.ParseLevel(config.logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using info")
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)

	seeds, err := cluster.ParseHosts(config.seedsStr, 3000)
	if err != nil {
		logger.Fatal("invalid seed list", zap.Error(err))
	}

	policy := cluster.DefaultClientPolicy()
	policy.Logger = logger
	policy.User = config.user
	policy.Password = config.pass
	policy.ClusterName = config.clusterName
	policy.TendInterval = config.tendInterval
	policy.Timeout = config.timeout
	policy.FailIfNotConnected = config.failFast

	c, err := cluster.NewCluster(policy, seeds)
	if err != nil {
		logger.Fatal("failed to connect to cluster", zap.Error(err))
	}

	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: config.webListen,
		Cluster:       c,
	})

	if watchCfgFile && cfgFile != "" {
		go watchConfig(logger, logLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for snap := range c.WatchTopology(ctx) {
			nodeNames := make([]string, 0, len(snap.Nodes))
			for _, node := range snap.Nodes {
				nodeNames = append(nodeNames, node.String())
			}

			logger.Info("topology changed",
				zap.Uint64("version", snap.Version),
				zap.Strings("nodes", nodeNames),
				zap.Strings("namespaces", snap.Partitions.Namespaces()))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	c.Close()
}

func watchConfig(logger *zap.Logger, logLevel zap.AtomicLevel) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("failed to watch config file", zap.Error(err))
		return
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(cfgFile); err != nil {
		logger.Warn("failed to watch config file", zap.Error(err))
		return
	}

	for event := range watcher.Events {
		if !event.Has(fsnotify.Write) {
			continue
		}

		newConfig := readConfig(logger)
		newParsedLogLevel, err := zapcore.ParseLevel(newConfig.logLevelStr)
		if err != nil {
			logger.Warn("invalid log level specified, using info")
			newParsedLogLevel = zapcore.InfoLevel
		}
		logLevel.SetLevel(newParsedLogLevel)
		logger.Info("reloaded configuration")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
