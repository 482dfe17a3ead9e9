// tccrecover 账户服务的事务恢复进程
// 连接 mysql 事务表和 redis, 注册账户组件, 周期性地推进长时间未完成的事务, 并通过 /metrics 暴露指标
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaoxuxiansheng/compensable/example"
	"github.com/xiaoxuxiansheng/compensable/example/pkg"
	"github.com/xiaoxuxiansheng/compensable/log"
	"github.com/xiaoxuxiansheng/compensable/metrics"
	"github.com/xiaoxuxiansheng/compensable/store/gormstore"
	"github.com/xiaoxuxiansheng/compensable/store/redislocker"
	"github.com/xiaoxuxiansheng/compensable/txmanager"
)

var (
	mysqlAddr     = flag.String("mysql_addr", "127.0.0.1:3306", "MySQL address")
	mysqlUser     = flag.String("mysql_user", "root", "MySQL user")
	mysqlPassword = flag.String("mysql_password", "", "MySQL password")
	mysqlDB       = flag.String("mysql_db", "tcc", "MySQL database holding the transaction table")
	tableSuffix   = flag.String("table_suffix", "", "Suffix appended to the tcc_transaction table name")
	domain        = flag.String("domain", "", "Domain of the transactions this process recovers")
	codecName     = flag.String("codec", "json", "Transaction content codec: json or msgpack")
	autoMigrate   = flag.Bool("auto_migrate", false, "Create the transaction table when missing")

	redisAddr     = flag.String("redis_addr", "127.0.0.1:6379", "Redis address for the recovery lock and the account component")
	redisPassword = flag.String("redis_password", "", "Redis password")
	componentID   = flag.String("component_id", "account", "ID of the account component")

	maxRetryCount   = flag.Int("max_retry_count", 30, "Max retries of a single transaction before giving up")
	recoverDuration = flag.Duration("recover_duration", 120*time.Second, "Transactions not updated within this duration are recovered")
	recoverTick     = flag.Duration("recover_tick", time.Minute, "Interval between recovery cycles")
	cacheSize       = flag.Int("cache_size", 1000, "Transaction cache capacity")
	cacheExpire     = flag.Duration("cache_expire", 120*time.Second, "Transaction cache expiration")

	httpAddr = flag.String("http_addr", "127.0.0.1:9090", "HTTP bind address for /metrics")

	logLevel  = flag.String("log_level", "info", "Log level: debug, info, warn, error")
	logFormat = flag.String("log_format", "json", "Log encoding: json or console")
	logOutput = flag.String("log_output", "stdout", "Log output: stdout, stderr or a file path")
)

func main() {
	flag.Parse()

	if err := log.Init(log.Config{
		Level:      *logLevel,
		Encoding:   *logFormat,
		Output:     *logOutput,
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 7,
		Compress:   true,
	}); err != nil {
		panic(err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.ErrorContextf(ctx, "tccrecover exit, err: %v", err)
		_ = log.Sync()
		os.Exit(1)
	}
	log.InfoContextf(ctx, "tccrecover stopped")
}

func run(ctx context.Context) error {
	// 1. 指标
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.New(registry)
	if err != nil {
		return err
	}

	// 2. 事务存储
	storeOpts := []gormstore.Option{gormstore.WithDomain(*domain), gormstore.WithTableSuffix(*tableSuffix)}
	if *codecName == "msgpack" {
		storeOpts = append(storeOpts, gormstore.WithCodec(txmanager.NewMsgpackCodec()))
	}
	dsn := (&mysql.Config{
		User:                 *mysqlUser,
		Passwd:               *mysqlPassword,
		Net:                  "tcp",
		Addr:                 *mysqlAddr,
		DBName:               *mysqlDB,
		ParseTime:            true,
		Loc:                  time.Local,
		AllowNativePasswords: true,
	}).FormatDSN()
	store, err := gormstore.Open(dsn, storeOpts...)
	if err != nil {
		return err
	}
	if *autoMigrate {
		if err = store.AutoMigrate(ctx); err != nil {
			return err
		}
	}

	opts := []txmanager.Option{
		txmanager.WithMaxRetryCount(*maxRetryCount),
		txmanager.WithRecoverDuration(*recoverDuration),
		txmanager.WithRecoverTick(*recoverTick),
		txmanager.WithCacheSize(*cacheSize),
		txmanager.WithCacheExpire(*cacheExpire),
		txmanager.WithMetrics(collector),
	}
	manager := txmanager.NewTXManager(txmanager.NewCachedRepository(store, opts...), opts...)
	defer manager.Stop()

	// 3. 注册组件, 恢复任务通过它下发 confirm / cancel
	redisClient := pkg.NewRedisClient("tcp", *redisAddr, *redisPassword)
	if _, err = example.NewAccountService(manager, example.NewAccountComponent(*componentID, redisClient)); err != nil {
		return err
	}

	// 4. /metrics
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		log.InfoContextf(ctx, "metrics server starting, address: %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContextf(ctx, "metrics server closed unexpectedly, err: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	// 5. 恢复任务, 阻塞直到收到退出信号
	log.InfoContextf(ctx, "recovery starting, domain: %q, tick: %s", *domain, *recoverTick)
	txmanager.NewRecovery(manager, redislocker.New(redisClient, *domain)).Run(ctx)
	return nil
}
