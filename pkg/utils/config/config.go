package config

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	log "github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"gopkg.in/yaml.v2"
)

var (
	APPNAME    string = "carlink"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

type Config struct {
	DeviceName string
	DeviceID   string
	Listen     struct {
		Address string
		Port    int
	}
	Advertise struct {
		Address     string
		Port        int
		HmacLength  int
		IntervalSec int
	}
	Storage struct {
		File   string
		Secret string // 会话密钥落盘加密口令（派生32字节本机密钥）
	}
	Logger struct {
		Dir    string
		Level  string
		Rotate bool
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stdout, APPNAME+", version: "+VERSION+" (built at "+BUILD_TIME+") "+GO_VERSION)
		flag.PrintDefaults()
	}
}

// Parse 加载yaml配置文件并初始化日志器
// 先查找可执行文件目录下的carlink.yml，找不到再回退到/etc/carlink.yml
func Parse() *Config {
	ex, e := os.Executable()
	if e != nil {
		panic(e)
	}

	cfile := filepath.Dir(ex) + "/" + APPNAME + ".yml"
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = "/etc/" + APPNAME + ".yml"
	}

	conf := new(Config)
	data, err := ioutil.ReadFile(cfile)
	if err != nil {
		panic(err)
	}
	yaml.Unmarshal(data, &conf)

	defer log.Sync()
	if conf.Logger.Rotate {
		if len(conf.Logger.Dir) == 0 {
			conf.Logger.Dir = filepath.Dir(ex)
		}
		out := log.NewProductionRotateByTime(conf.Logger.Dir + "/" + APPNAME + ".log")
		logger := log.New(out, log.InfoLevel)
		log.ReplaceDefault(logger)
	}
	switch conf.Logger.Level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	return conf
}
