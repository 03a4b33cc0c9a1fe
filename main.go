package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allape/gogger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kvmgate/kvmgate/config"
	"github.com/kvmgate/kvmgate/envar"
	"github.com/kvmgate/kvmgate/factory"
	"github.com/kvmgate/kvmgate/kvm"
	"github.com/kvmgate/kvmgate/nbd"
)

var l = gogger.New("main")

func main() {
	// the NBD agent is this same binary re-executed with a marker variable
	if envar.Getenv(envar.KvmgateNbdAgent, "") != "" {
		if err := nbd.RunAgent(factory.RemoteFromOptions); err != nil {
			os.Exit(1)
		}
		return
	}

	if envar.Getenv(envar.KvmgateVerbose, "") != "" {
		l.Info().Println("verbose mode enabled")
	}

	conf, err := config.GetConfig()
	if err != nil {
		l.Error().Fatalln("get config:", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	v, err := factory.VideoFromConfig(conf)
	if err != nil {
		l.Error().Fatalln("video from config:", err)
	}
	defer func() {
		_ = v.Close()
	}()

	videoCodec, err := factory.CodecFromConfig(conf)
	if err != nil {
		l.Error().Fatalln("video codec from config:", err)
	}

	server, err := kvm.New(v, videoCodec, kvm.Options{
		Config: conf.VNC,
	})
	if err != nil {
		l.Error().Fatalln("new kvm:", err)
	}

	nbdServer := nbd.NewServer(
		conf.NBD.Device,
		conf.NBD.Block,
		time.Duration(conf.NBD.Timeout*float64(time.Second)),
		factory.RemoteFromOptions,
	)

	hub := newEventHub()
	go func() {
		for event := range nbdServer.Poll(ctx) {
			l.Info().Printf("NBD event: %+v", event)
			hub.publish(event)
		}
	}()

	listener, err := net.Listen("tcp", conf.VNC.Addr)
	if err != nil {
		l.Error().Fatalln("listen VNC:", err)
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.Error().Println("accept:", err)
				continue
			}
			l.Info().Println("VNC client connected:", conn.RemoteAddr())
			go server.HandleClient(ctx, conn)
		}
	}()

	go serveWebsockify(ctx, conf, server)
	go serveAPI(conf, server, nbdServer, hub)

	l.Info().Println("started")
	<-ctx.Done()
	if nbdServer.Bound() {
		_ = nbdServer.Unbind()
	}
	l.Info().Println("exiting")
}

func serveWebsockify(ctx context.Context, conf config.Config, server *kvm.Server) {
	upgrader := websocket.Upgrader{}
	if conf.VNC.WsCors {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(conf.VNC.WsPath, func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			l.Error().Println("upgrade:", err)
			return
		}
		l.Info().Println("websocket client connected:", conn.RemoteAddr())
		server.HandleClient(ctx, &WebsocketConn{Conn: conn})
	})

	l.Error().Fatalln(http.ListenAndServe(conf.VNC.WsAddr, mux))
}

type bindRequest struct {
	URL          string   `json:"url" binding:"required"`
	Verify       *bool    `json:"verify"`
	User         string   `json:"user"`
	Passwd       string   `json:"passwd"`
	Timeout      *float64 `json:"timeout"`
	RetriesDelay *float64 `json:"retries_delay"`
}

type ledsRequest struct {
	Caps   bool `json:"caps"`
	Scroll bool `json:"scroll"`
	Num    bool `json:"num"`
}

func serveAPI(conf config.Config, server *kvm.Server, nbdServer *nbd.Server, hub *eventHub) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	if conf.HTTP.Cors {
		engine.Use(cors.Default())
	}

	api := engine.Group("/api")

	api.GET("/info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name": conf.VNC.Name,
			"vnc": gin.H{
				"addr":    conf.VNC.Addr,
				"ws_addr": conf.VNC.WsAddr,
				"ws_path": conf.VNC.WsPath,
			},
			"nbd": gin.H{
				"device": conf.NBD.Device,
				"bound":  nbdServer.Bound(),
			},
		})
	})

	api.GET("/nbd", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"bound": nbdServer.Bound()})
	})

	api.POST("/nbd/bind", func(c *gin.Context) {
		var req bindRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		options := nbd.DefaultRemoteOptions()
		options.URL = req.URL
		options.User = req.User
		options.Passwd = req.Passwd
		if req.Verify != nil {
			options.Verify = *req.Verify
		}
		if req.Timeout != nil {
			options.Timeout = *req.Timeout
		}
		if req.RetriesDelay != nil {
			options.RetriesDelay = *req.RetriesDelay
		}

		if err := nbdServer.Bind(c.Request.Context(), options); err != nil {
			c.JSON(nbdErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api.POST("/nbd/unbind", func(c *gin.Context) {
		if err := nbdServer.Unbind(); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api.GET("/nbd/events", func(c *gin.Context) {
		events := hub.subscribe()
		defer hub.unsubscribe(events)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Stream(func(w io.Writer) bool {
			select {
			case <-c.Request.Context().Done():
				return false
			case event := <-events:
				c.SSEvent(string(event.Kind), event)
				return true
			}
		})
	})

	api.POST("/leds", func(c *gin.Context) {
		var req ledsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		server.SetLeds(req.Caps, req.Scroll, req.Num)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	l.Error().Fatalln(engine.Run(conf.HTTP.Addr))
}

func nbdErrorStatus(err error) int {
	var ne *nbd.Error
	if !errors.As(err, &ne) {
		return http.StatusInternalServerError
	}
	switch ne.Kind {
	case nbd.KindValidation:
		return http.StatusBadRequest
	case nbd.KindGeneral:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
