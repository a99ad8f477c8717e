package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/zammdefi/pmcore/internal/domain"
	"github.com/zammdefi/pmcore/internal/engine"
	"github.com/zammdefi/pmcore/internal/server"
	"github.com/zammdefi/pmcore/internal/store"
	"github.com/zammdefi/pmcore/internal/token"
	"github.com/zammdefi/pmcore/pkg/config"
	"github.com/zammdefi/pmcore/pkg/logger"
	"github.com/zammdefi/pmcore/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "环境变量文件路径")
	flag.Parse()

	// .env 可选，不存在就用进程环境
	_ = godotenv.Load(*envFile)

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Options{
		Cooldown:        cfg.Engine.Cooldown(),
		MinTWAPInterval: cfg.Engine.TWAPInterval(),
		DAO:             common.HexToAddress(cfg.Engine.DAOAddress),
	})
	for _, ac := range cfg.Assets {
		eng.RegisterAsset(token.NewMemAsset(ac.Key, ac.Decimals, ac.Native))
		logger.Infof("资产已注册: %s (decimals=%d, native=%v)", ac.Key, ac.Decimals, ac.Native)
	}

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		logger.Errorf("打开数据目录失败: %v", err)
		os.Exit(1)
	}
	saved, err := st.LoadState()
	if err != nil {
		logger.Errorf("读取引擎状态失败: %v", err)
		os.Exit(1)
	}
	if saved != nil {
		if err := eng.Import(saved); err != nil {
			logger.Errorf("恢复引擎状态失败: %v", err)
			os.Exit(1)
		}
		logger.Infof("引擎状态已恢复: seq=%d, markets=%d", eng.Seq(), len(eng.MarketIDs()))
	}

	httpSrv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: server.New(eng).Handler(),
	}
	go func() {
		logger.Infof("HTTP 服务监听 %s", cfg.Server.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("HTTP 服务退出: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go twapLoop(ctx, eng, cfg.Engine.TWAPTick())
	go snapshotLoop(ctx, eng, st, cfg.Engine.SnapshotInterval())

	mgr := shutdown.NewManager()
	mgr.OnShutdown("store", func(context.Context) error {
		if err := st.SaveState(eng.Export()); err != nil {
			return err
		}
		return st.Close()
	})
	mgr.OnShutdown("background", func(context.Context) error {
		cancel()
		return nil
	})
	mgr.OnShutdown("http", func(ctx context.Context) error {
		return httpSrv.Shutdown(ctx)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Infof("收到信号 %v，开始关闭", s)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
}

// twapLoop 周期性推进所有已注册市场的 TWAP 观测。
// 间隔不足属于常态，静默跳过。
func twapLoop(ctx context.Context, eng *engine.Engine, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range eng.MarketIDs() {
				if _, ok := eng.Registration(id); !ok {
					continue
				}
				if _, err := eng.UpdateTWAP(id); err != nil &&
					err != domain.ErrTWAPInterval {
					logger.Warnf("TWAP 推进失败 %s: %v", id.Hex(), err)
				}
			}
		}
	}
}

// snapshotLoop 周期性把引擎状态落盘
func snapshotLoop(ctx context.Context, eng *engine.Engine, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.SaveState(eng.Export()); err != nil {
				logger.Errorf("状态落盘失败: %v", err)
			}
		}
	}
}
