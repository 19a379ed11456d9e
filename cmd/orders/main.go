package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eshop-orders/internal/config"
	"eshop-orders/internal/fulfillment"
	"eshop-orders/internal/health"
	"eshop-orders/internal/logger"
	"eshop-orders/internal/messaging"
	"eshop-orders/internal/orders"
	"eshop-orders/internal/storage"
	"eshop-orders/internal/tracing"
	"eshop-orders/internal/types"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/spf13/pflag"
)

// options 命令行参数
type options struct {
	configPath string
	importFile string
	republish  []string
	checkOnly  bool
	serve      bool
	initConfig string
	memBroker  bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("orders", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "配置文件路径，为空时查找默认位置")
	fs.StringVarP(&o.importFile, "import", "i", "", "从JSON文件批量导入订单")
	fs.StringSliceVar(&o.republish, "republish", nil, "按ID重新发布已保存订单的消息，逗号分隔")
	fs.BoolVar(&o.checkOnly, "check", false, "执行一次健康检查后退出，全部健康时退出码为0")
	fs.BoolVar(&o.serve, "serve", true, "启动订单消费者并运行到收到退出信号")
	fs.StringVar(&o.initConfig, "init-config", "", "在指定路径生成示例配置文件后退出")
	fs.BoolVar(&o.memBroker, "memory-broker", false, "使用进程内broker运行完整的下单与消费流程，忽略rabbitmq.url")
	err := fs.Parse(args)
	return o, err
}

// brokerClient 可关闭且支持查看队列的broker
type brokerClient interface {
	messaging.Client
	messaging.Peeker
}

// app 组合根持有的全部组件
type app struct {
	opts      options
	cfg       *config.Config
	log       zerolog.Logger
	providers *tracing.Providers
	tel       *tracing.Telemetry
	storage   *storage.Storage
	broker    brokerClient
	service   *orders.Service
	consumer  *messaging.OrderConsumer
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 返回进程退出码，保证所有 defer 在退出前执行
func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if opts.initConfig != "" {
		if err := config.CreateSampleConfig(opts.initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "生成示例配置失败: %v\n", err)
			return 1
		}
		fmt.Printf("示例配置已写入 %s\n", opts.initConfig)
		return 0
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置文件失败: %v\n", err)
		return 1
	}

	closeLog, err := logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		FilePath:     cfg.Logger.FilePath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer closeLog()
	log := logger.Component("orders")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, opts, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("初始化失败")
		return 1
	}
	defer a.shutdown()

	return a.execute(ctx)
}

func newApp(ctx context.Context, opts options, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{opts: opts, cfg: cfg, log: log}

	// 1. 遥测
	providers, err := tracing.NewProviders(ctx, tracing.ProviderConfig{
		ServiceName:     cfg.Tracing.ServiceName,
		TraceEndpoint:   cfg.Tracing.OTLPEndpoint,
		MetricsEndpoint: cfg.Tracing.MetricsEndpoint,
		Insecure:        cfg.Tracing.Insecure,
		SampleRatio:     cfg.Tracing.SampleRatio,
		MetricInterval:  config.GetDuration(cfg.Tracing.MetricInterval, 15*time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("初始化遥测失败: %w", err)
	}
	a.providers = providers
	if a.tel, err = tracing.NewTelemetry(providers.TracerProvider, providers.MeterProvider); err != nil {
		a.shutdown()
		return nil, err
	}

	// 2. 存储
	if a.storage, err = storage.NewStorage(cfg, a.tel, log); err != nil {
		a.shutdown()
		return nil, err
	}

	// 3. 消息代理：RabbitMQ、进程内broker，或只记录日志不发送
	var (
		publisher orders.Publisher
		lister    orders.MessageLister
	)
	switch {
	case opts.memBroker:
		log.Warn().Msg("使用进程内broker，消息不会持久化")
		mb := messaging.NewMemoryBroker(
			messaging.WithMaxBatchBytes(cfg.RabbitMQ.MaxBatchBytes),
			messaging.WithMaxDeliveryCount(cfg.RabbitMQ.MaxDeliveryCount),
			messaging.WithBrokerLogger(log),
		)
		mb.Bind(cfg.RabbitMQ.OrdersExchange, cfg.RabbitMQ.OrdersQueue)
		a.broker = mb
	case cfg.RabbitMQ.URL != "":
		mq, err := messaging.NewRabbitMQ(ctx, &cfg.RabbitMQ, a.tel, log)
		if err != nil {
			a.shutdown()
			return nil, err
		}
		a.broker = mq
		if err := mq.SetupTopology(ctx); err != nil {
			a.shutdown()
			return nil, fmt.Errorf("声明RabbitMQ拓扑失败: %w", err)
		}
	default:
		log.Warn().Msg("未配置RabbitMQ，订单消息不会被发送")
		noop := messaging.NewNoopPublisher(log)
		publisher, lister = noop, noop
	}

	if a.broker != nil {
		sender, err := a.broker.CreateSender(cfg.RabbitMQ.OrdersExchange)
		if err != nil {
			a.shutdown()
			return nil, err
		}
		publisher = messaging.NewOrderPublisher(sender, cfg.RabbitMQ.OrdersExchange, a.tel, log)
		lister = messaging.NewQueueInspector(a.broker, cfg.RabbitMQ.OrdersQueue)

		fulfiller := fulfillment.NewFulfiller(a.storage.Ledger, a.tel, log)
		a.consumer, err = messaging.NewOrderConsumer(a.broker, cfg.RabbitMQ.OrdersQueue, fulfiller, a.tel, log,
			messaging.ConsumerOptions{MaxConcurrency: cfg.RabbitMQ.ConsumerWorkers})
		if err != nil {
			a.shutdown()
			return nil, err
		}
	}

	// 4. 订单服务
	a.service = orders.NewService(a.storage.Orders, publisher, lister, a.tel, log, orders.Options{
		BatchParallelism: cfg.Orders.BatchParallelism,
		PerOrderTimeout:  config.GetDuration(cfg.Orders.PerOrderTimeout, 30*time.Second),
		PeekMax:          cfg.Orders.PeekMax,
	})
	return a, nil
}

func (a *app) execute(ctx context.Context) int {
	if a.opts.checkOnly {
		return a.check(ctx)
	}

	if a.opts.serve && a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			a.log.Error().Err(err).Msg("启动订单消费者失败")
			return 1
		}
	}

	var wg conc.WaitGroup
	cmdFailed := false
	if a.opts.importFile != "" {
		wg.Go(func() {
			if err := a.importOrders(ctx, a.opts.importFile); err != nil {
				a.log.Error().Err(err).Str("file", a.opts.importFile).Msg("导入订单失败")
				cmdFailed = true
			}
		})
	}
	wg.Wait()

	if len(a.opts.republish) > 0 {
		n, err := a.service.RepublishOrders(ctx, a.opts.republish)
		if err != nil {
			a.log.Error().Err(err).Strs("order_ids", a.opts.republish).Msg("重发订单消息失败")
			cmdFailed = true
		} else {
			a.log.Info().Int("republished", n).Msg("订单消息重发完成")
		}
	}

	if a.opts.serve && a.consumer != nil {
		a.log.Info().Msg("订单服务运行中，等待退出信号")
		<-ctx.Done()
		a.log.Info().Msg("收到退出信号，开始关闭")
	}
	if cmdFailed {
		return 1
	}
	return 0
}

func (a *app) importOrders(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取订单文件失败: %w", err)
	}
	var batch []types.Order
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("解析订单文件失败: %w", err)
	}

	result, err := a.service.PlaceOrdersBatch(ctx, batch)
	for _, f := range result.Failures {
		a.log.Warn().Err(f.Err).Str("order_id", f.OrderID).Int("index", f.Index).Msg("订单导入失败")
	}
	a.log.Info().Int("placed", len(result.Placed)).Int("failed", len(result.Failures)).Msg("订单导入完成")
	return err
}

func (a *app) check(ctx context.Context) int {
	checks := []health.Check{health.StoreCheck{Store: a.storage.Orders, Pinger: pingerOf(a.storage)}}
	if a.broker != nil {
		checks = append(checks, health.BrokerCheck{Client: a.broker, Topic: a.cfg.RabbitMQ.OrdersExchange})
	}
	results := health.RunAll(ctx, health.DefaultTimeout, checks...)

	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(out))
	if !health.AllHealthy(results) {
		return 1
	}
	return 0
}

func pingerOf(s *storage.Storage) health.Pinger {
	if s.MySQL != nil {
		return s.MySQL
	}
	return nil
}

// shutdown 依次停止消费者、关闭broker与存储，最后刷新遥测
func (a *app) shutdown() {
	timeout := config.GetDuration(a.cfg.Orders.ShutdownTimeout, 15*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn().Err(err).Msg("停止订单消费者失败")
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(ctx); err != nil {
			a.log.Warn().Err(err).Msg("关闭broker失败")
		}
	}
	if a.storage != nil {
		a.storage.Close()
	}
	if a.providers != nil {
		if err := a.providers.Shutdown(ctx); err != nil {
			a.log.Warn().Err(err).Msg("关闭遥测失败")
		}
	}
	a.log.Info().Msg("订单服务已关闭")
}
