package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"baraza/app/call"
	"baraza/config"
	"baraza/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/juju/ratelimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var (
	server         *gin.Engine
	ctx            context.Context
	addr           string
	verbosityLevel int
	limiter        *ratelimit.Bucket
)

func showHelp() {
	fmt.Printf("Usage:%s {params}\n", os.Args[0])
	fmt.Println("      -a {listen addr}")
	fmt.Println("      -h (show help info)")
	fmt.Println("      -v {0-2} (verbosity level, default 0)")
}

func parse() bool {
	flag.StringVar(&addr, "a", "", "address to use")
	flag.IntVar(&verbosityLevel, "v", -1, "verbosity level, higher value - more logs")
	help := flag.Bool("h", false, "help info")
	flag.Parse()

	if *help {
		return false
	}
	return true
}

func main() {
	if !parse() {
		showHelp()
		os.Exit(-1)
	}

	cfg, err := config.Load(".")
	if err != nil {
		panic(err)
	}

	// flags win over config file
	if verbosityLevel < 0 {
		verbosityLevel = cfg.Verbosity
	}
	if addr == "" {
		addr = cfg.ListenAddr
	}

	utils.InitLogger(verbosityLevel)
	utils.Log().Info(fmt.Sprintf("verbosity level is: %d", verbosityLevel))

	ctx = context.TODO()

	// Connect to MongoDB
	mongoconn := options.Client().ApplyURI(cfg.MongoURI)
	mongoclient, err := mongo.NewClient(mongoconn)
	if err != nil {
		panic(err)
	}

	err = mongoclient.Connect(ctx)
	if err != nil {
		panic(err)
	}

	if err := mongoclient.Ping(ctx, readpref.Primary()); err != nil {
		panic(err)
	}

	fmt.Println("MongoDB successfully connected...")

	transport, err := call.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		panic(err)
	}

	fmt.Println("Redis successfully connected...")

	media, err := call.NewMediaManager()
	if err != nil {
		panic(err)
	}

	timeouts := call.Timeouts{
		Subscribe: cfg.SubscribeTimeout,
		Ring:      cfg.RingTimeout,
		Invite:    cfg.InviteTimeout,
	}

	server = gin.Default()
	limiter = ratelimit.NewBucketWithRate(100, 100)
	server.Use(func(c *gin.Context) {
		if limiter.TakeAvailable(1) == 0 {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	server.Use(cors.New(corsConfig))

	callServer := call.NewCallServer(mongoclient, ctx, transport, media, cfg.ICEServers, timeouts)
	callServer.InitRouteTo(server, cfg.DevMode)
	go callServer.Run()

	server.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/ping/")
	})
	server.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "pong",
		})
	})

	server.Run(addr)
}
