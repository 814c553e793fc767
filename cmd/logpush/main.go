// Command logpush publishes process events to a logstream-server's Redis
// Pub/Sub source. With -event it announces a lifecycle change; otherwise it
// forwards stdin line by line as output of the named process.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/internal/infrastructure/logbroker"
	"github.com/edirooss/logstream-server/internal/redis"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// CLI flags
	addr := flag.String("redis", "127.0.0.1:6379", "redis address")
	db := flag.Int("db", 0, "redis database")
	password := flag.String("password", "", "redis password")
	prefix := flag.String("prefix", redis.DefaultChannelPrefix, "channel prefix")
	name := flag.String("name", "", "process name")
	pid := flag.Int("pid", os.Getpid(), "process id reported to the server")
	event := flag.String("event", "", "lifecycle event to publish (start, restart, exit, ...)")
	kind := flag.String("kind", "stdout", "stream kind of stdin lines (stdout|stderr)")
	flag.Parse()

	if *name == "" && *event != "" {
		fmt.Println("Usage: ./logpush -name=<process> [-event=<event>] [-pid=<pid>] [-kind=stdout|stderr] < lines")
		os.Exit(1)
	}

	log := buildLogger()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(redis.ClientOptions{Addr: *addr, DB: *db, Password: *password}, log)
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		log.Fatal("redis unreachable", zap.String("addr", *addr), zap.Error(err))
	}
	pub := redis.NewPublisher(log, client, *prefix)

	if *event != "" {
		ev := logbroker.ParseLifecycleEvent(*event)
		if !ev.IsAlive() && !ev.IsTerminal() {
			log.Fatal("unknown lifecycle event", zap.String("event", *event))
		}
		if err := pub.PublishLifecycle(ctx, redis.LifecycleMessage{PID: *pid, Name: *name, Event: string(ev)}); err != nil {
			log.Fatal("lifecycle publish failed", zap.Error(err))
		}
		log.Info("lifecycle published",
			zap.String("name", *name),
			zap.Int("pm_id", *pid),
			zap.String("event", string(ev)),
		)
		return
	}

	k, err := logentry.ParseStreamKind(*kind)
	if err != nil {
		log.Fatal("invalid kind", zap.String("kind", *kind), zap.Error(err))
	}

	sent := 0
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		if err := pub.PublishLog(ctx, redis.LogMessage{PID: *pid, Kind: k.String(), Data: sc.Text()}); err != nil {
			log.Fatal("log publish failed", zap.Int("sent", sent), zap.Error(err))
		}
		sent++
	}
	if err := sc.Err(); err != nil {
		log.Error("stdin read failed", zap.Error(err))
	}
	log.Info("lines published", zap.Int("pm_id", *pid), zap.Int("sent", sent))
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.InfoLevel)
	logConfig.OutputPaths = []string{"stderr"}
	return zap.Must(logConfig.Build())
}
