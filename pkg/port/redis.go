package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nobletooth/larder/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var (
	address          = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")
	defaultPartition = flag.String("default_partition", "api-cache", "The cache partition new connections start in.")
)

var commandsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "port_redis_commands_total",
	Help: "The total number of Redis commands handled",
}, []string{
	"command", // Upper-cased command name; unknown commands are reported as "UNKNOWN".
	"status",  // ok or error.
})

var (
	errSyntax            = errors.New("syntax error")
	errInvalidExpireTime = errors.New("invalid expire time in 'set' command")
)

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeBulk       []byte   // Writes a bulk string if set.
	writeArray      []string // Writes an array of bulk strings if set.
	writeString     string   // Writes a simple string otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(b []byte) redisOutput {
	if b == nil {
		b = []byte{}
	}
	return redisOutput{writeBulk: b}
}

func writeRedisArray(items []string) redisOutput {
	if items == nil {
		items = []string{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArity(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// writeTo writes the output to `conn` in RESP.
func (ro redisOutput) writeTo(conn redcon.Conn) {
	switch {
	case ro.err != nil:
		conn.WriteError(*ro.err)
	case ro.writeNil:
		conn.WriteNull()
	case ro.writeInt != nil:
		conn.WriteInt(*ro.writeInt)
	case ro.writeBulk != nil:
		conn.WriteBulk(ro.writeBulk)
	case ro.writeArray != nil:
		conn.WriteArray(len(ro.writeArray))
		for _, item := range ro.writeArray {
			conn.WriteBulkString(item)
		}
	default:
		conn.WriteString(ro.writeString)
	}
}

// session is the per-connection state.
type session struct {
	partition string
}

type redisHandler struct {
	backend *cacheBackend
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(manager *cache.Manager, clk clock.Clock) (*redisHandler, error) {
	if manager == nil {
		return nil, errors.New("expected a non-nil cache manager")
	}
	return &redisHandler{backend: newCacheBackend(manager, clk)}, nil
}

func (rh *redisHandler) handle(ctx context.Context, sess *session, cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		switch len(cmd.args) {
		case 0:
			return writeRedisString("PONG")
		case 1:
			return writeRedisBulk([]byte(cmd.args[0]))
		default:
			return wrongArity(cmd.command)
		}
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SELECT":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		if _, err := rh.backend.manager.Open(ctx, cmd.args[0]); err != nil {
			return writeRedisError(err)
		}
		sess.partition = cmd.args[0]
		return writeRedisString(RedisOk)
	case "SET":
		if len(cmd.args) < 2 {
			return wrongArity(cmd.command)
		}
		setCmd, err := parseSetCommand(cmd.args)
		if err != nil {
			return writeRedisError(err)
		}
		result := rh.backend.Set(ctx, sess.partition, setCmd)
		switch {
		case result.err != nil:
			return writeRedisError(result.err)
		case setCmd.get && result.hasPreviousValue:
			return writeRedisBulk(result.previousValue)
		case setCmd.get || !result.couldSet:
			return writeRedisNil()
		default:
			return writeRedisString(RedisOk)
		}
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		if value, found, err := rh.backend.Get(ctx, sess.partition, cmd.args[0]); err != nil {
			return writeRedisError(err)
		} else if !found {
			return writeRedisNil()
		} else {
			return writeRedisBulk(value)
		}
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArity(cmd.command)
		}
		deletedCount, err := rh.backend.Delete(ctx, sess.partition, cmd.args...)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(deletedCount)
	case "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArity(cmd.command)
		}
		count, err := rh.backend.Exists(ctx, sess.partition, cmd.args...)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(count)
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		keys, err := rh.backend.Keys(ctx, sess.partition, cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(keys)
	case "DBSIZE":
		if len(cmd.args) != 0 {
			return wrongArity(cmd.command)
		}
		size, err := rh.backend.Size(ctx, sess.partition)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(size)
	case "FLUSHDB":
		if len(cmd.args) > 1 { // Accepts (and ignores) ASYNC / SYNC.
			return wrongArity(cmd.command)
		}
		if err := rh.backend.Flush(ctx, sess.partition); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "TTL", "PTTL":
		if len(cmd.args) != 1 {
			return wrongArity(cmd.command)
		}
		remaining, exists, expires, err := rh.backend.TTL(ctx, sess.partition, cmd.args[0])
		switch {
		case err != nil:
			return writeRedisError(err)
		case !exists:
			return writeRedisInt(-2)
		case !expires:
			return writeRedisInt(-1)
		case cmd.command == "PTTL":
			return writeRedisInt(int(remaining.Milliseconds()))
		default: // Rounded to the closest second, as Redis does.
			return writeRedisInt(int((remaining.Milliseconds() + 500) / 1000))
		}
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// parseSetCommand parses `key value [NX | XX] [GET] [EX seconds | PX milliseconds | KEEPTTL]`.
func parseSetCommand(args []string) (SetCommand, error) {
	cmd := SetCommand{key: args[0], value: []byte(args[1])}
	hasExpiry := false
	for i := 2; i < len(args); i++ {
		switch option := strings.ToUpper(args[i]); option {
		case "NX", "XX":
			if cmd.existence != noCheck {
				return SetCommand{}, errSyntax
			}
			cmd.existence = ifNotExists
			if option == "XX" {
				cmd.existence = ifExists
			}
		case "GET":
			cmd.get = true
		case "KEEPTTL":
			if hasExpiry {
				return SetCommand{}, errSyntax
			}
			hasExpiry, cmd.keepTTL = true, true
		case "EX", "PX":
			if hasExpiry || i+1 >= len(args) {
				return SetCommand{}, errSyntax
			}
			i++
			amount, err := strconv.ParseInt(args[i], 10 /*base*/, 64 /*bitSize*/)
			if err != nil {
				return SetCommand{}, errors.New("value is not an integer or out of range")
			}
			unit := time.Second
			if option == "PX" {
				unit = time.Millisecond
			}
			if amount <= 0 || amount > math.MaxInt64/int64(unit) {
				return SetCommand{}, errInvalidExpireTime
			}
			hasExpiry, cmd.ttl = true, time.Duration(amount)*unit
		default:
			return SetCommand{}, errSyntax
		}
	}
	return cmd, nil
}

// toRedisCommand converts a redcon.Command; command names are case-insensitive.
func toRedisCommand(cmd redcon.Command) redisCommand {
	command := redisCommand{command: strings.ToUpper(string(cmd.Args[0])), args: make([]string, len(cmd.Args)-1)}
	for i := 1; i < len(cmd.Args); i++ {
		command.args[i-1] = string(cmd.Args[i])
	}
	return command
}

func commandLabel(command string) string {
	switch command {
	case "PING", "QUIT", "SELECT", "SET", "GET", "DEL", "EXISTS", "KEYS", "DBSIZE", "FLUSHDB", "TTL", "PTTL":
		return command
	default:
		return "UNKNOWN"
	}
}

// RunRedisServer serves the caches of `manager` over the Redis protocol until `ctx` is done, then closes the
// server and the manager.
func RunRedisServer(ctx context.Context, manager *cache.Manager, clk clock.Clock) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}
	if *defaultPartition == "" {
		return errors.New("expected a non-empty --default_partition flag")
	}

	redisHandler, err := newRedisHandler(manager, clk)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			sess, ok := conn.Context().(*session)
			if !ok {
				conn.WriteError("ERR connection has no session")
				return
			}
			command := toRedisCommand(cmd)
			output := redisHandler.handle(ctx, sess, command)
			status := "ok"
			if output.err != nil {
				status = "error"
			}
			commandsMetric.WithLabelValues(commandLabel(command.command), status).Inc()
			output.writeTo(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			conn.SetContext(&session{partition: *defaultPartition})
			slog.Debug("Accepted connection.", "remote", conn.RemoteAddr())
			return true
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with error.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving Redis protocol.", "address", *address, "defaultPartition", *defaultPartition)

	select {
	case <-ctx.Done():
		serverErr := redisServer.Close()
		managerErr := manager.Close()
		if exitErr := errors.Join(serverErr, managerErr); exitErr != nil {
			return fmt.Errorf("failed to close larder: %w", exitErr)
		}
	case err := <-serverErrSignal:
		if err == nil {
			err = errors.New("listener closed")
		}
		if managerErr := manager.Close(); managerErr != nil {
			err = errors.Join(err, managerErr)
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
