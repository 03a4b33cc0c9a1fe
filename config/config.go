package config

import (
	"os"

	"github.com/allape/gogger"
	"github.com/pelletier/go-toml/v2"
)

var l = gogger.New("config")

const DefaultConfigPath = "kvmgate.toml"

type VNC struct {
	Addr   string `toml:"addr"`
	WsAddr string `toml:"ws_addr"`
	WsPath string `toml:"ws_path"`
	WsCors bool   `toml:"ws_cors"`

	Name   string `toml:"name"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`

	DesiredFPS  int `toml:"desired_fps"`
	JPEGQuality int `toml:"jpeg_quality"`

	// PasswdPath points to the VNCAuth passwd file,
	// one "vncpass -> user:pass" entry per line.
	PasswdPath   string            `toml:"passwd_path"`
	VncAuth      bool              `toml:"vncauth"`
	Users        map[string]string `toml:"users"`
	VeNCrypt     bool              `toml:"vencrypt"`
	NoneAuthOnly bool              `toml:"none_auth_only"`

	TLSCertPath string  `toml:"tls_cert"`
	TLSKeyPath  string  `toml:"tls_key"`
	TLSCiphers  string  `toml:"tls_ciphers"`
	TLSTimeout  float64 `toml:"tls_timeout"`
}

type NBD struct {
	Device  string  `toml:"device"`
	Block   int     `toml:"block"`
	Timeout float64 `toml:"timeout"`
}

type HTTP struct {
	Addr string `toml:"addr"`
	Cors bool   `toml:"cors"`
}

type Config struct {
	VNC  VNC  `toml:"vnc"`
	NBD  NBD  `toml:"nbd"`
	HTTP HTTP `toml:"http"`
}

func GetConfig() (Config, error) {
	configFile := DefaultConfigPath
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	l.Info().Println("reading config file:", configFile)

	config := Config{
		VNC: VNC{
			Addr:         ":5900",
			WsAddr:       ":5901",
			WsPath:       "/websockify",
			Name:         "KVMGate",
			Width:        800,
			Height:       600,
			DesiredFPS:   30,
			JPEGQuality:  80,
			PasswdPath:   "",
			VncAuth:      false,
			VeNCrypt:     true,
			NoneAuthOnly: false,
			TLSTimeout:   30,
		},
		NBD: NBD{
			Device:  "/dev/nbd0",
			Block:   512,
			Timeout: 3600,
		},
		HTTP: HTTP{
			Addr: ":8080",
		},
	}

	_, err := os.Stat(configFile)
	if err != nil {
		return config, err
	}

	configData, err := os.ReadFile(configFile)
	if err != nil {
		return config, err
	}

	err = toml.Unmarshal(configData, &config)
	if err != nil {
		return config, err
	}

	l.Verbose().Println("use config:", config)

	return config, nil
}
