package main

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/junbin-yang/carlink-go/pkg/discovery"
	"github.com/junbin-yang/carlink-go/pkg/handshake"
	"github.com/junbin-yang/carlink-go/pkg/pending_car"
	"github.com/junbin-yang/carlink-go/pkg/storage"
	"github.com/junbin-yang/carlink-go/pkg/stream"
	"github.com/junbin-yang/carlink-go/pkg/transport"
	"github.com/junbin-yang/carlink-go/pkg/utils/config"
	"github.com/junbin-yang/carlink-go/pkg/utils/logger"
	"github.com/junbin-yang/carlink-go/pkg/wire"
)

// CLI 命令行工具结构
type CLI struct {
	conf       *config.Config
	store      storage.CredentialStore
	storageKey []byte
	localID    uuid.UUID

	listener   *transport.TCPListener
	advertiser *discovery.Advertiser
	scanner    *discovery.Scanner

	pending   *pending_car.PendingCar
	connected *pending_car.ConnectedCar
	matched   *storage.AssociatedCar
}

// NewCLI 创建CLI实例
func NewCLI() (*CLI, error) {
	conf := config.Parse()

	storeFile := conf.Storage.File
	if storeFile == "" {
		storeFile = "carlink_cars.yml"
	}
	store, err := storage.NewFileStore(storeFile)
	if err != nil {
		return nil, fmt.Errorf("打开凭据存储失败: %v", err)
	}

	// 落盘密钥由配置口令派生
	secret := sha256.Sum256([]byte(conf.Storage.Secret))

	localID := uuid.New()
	if conf.DeviceID != "" {
		if id, err := uuid.Parse(conf.DeviceID); err == nil {
			localID = id
		} else {
			logger.Warnf("[CLI] 配置的DeviceID非法，使用随机ID: %v", err)
		}
	}

	return &CLI{
		conf:       conf,
		store:      store,
		storageKey: secret[:],
		localID:    localID,
	}, nil
}

// Run 交互主循环
func (c *CLI) Run() {
	fmt.Printf("设备: %s (%s)\n", c.conf.DeviceName, c.localID)
	c.printHelp()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("carlink> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)

		switch parts[0] {
		case "help":
			c.printHelp()
		case "pair":
			if len(parts) < 2 {
				fmt.Println("用法: pair <地址:端口>")
				continue
			}
			c.startAttempt(parts[1], pending_car.ModeAssociating, nil)
		case "listen":
			c.startListener(pending_car.ModeAssociating)
		case "advertise":
			c.startAdvertise()
		case "scan":
			c.startScan()
		case "reconnect":
			c.startReconnect(parts[1:])
		case "yes":
			if c.pending != nil {
				c.pending.NotifyPinVerified()
			}
		case "no":
			if c.pending != nil {
				c.pending.NotifyPinNotValidated()
			}
		case "send":
			c.sendText(strings.TrimPrefix(line, "send "))
		case "list":
			c.listCars()
		case "remove":
			c.removeCar(parts[1:])
		case "quit", "exit":
			c.shutdown()
			return
		default:
			fmt.Println("未知命令，输入help查看帮助")
		}
	}
}

func (c *CLI) printHelp() {
	fmt.Println(`命令:
  pair <地址:端口>    向指定车机发起首次配对
  listen              等待对端发起首次配对（车机侧）
  advertise           广播续连标识并等待续连（车机侧）
  scan                扫描续连广播并匹配已配对车辆
  reconnect [地址]    向匹配到的车辆发起续连
  yes / no            确认/否认屏显配对码
  send <文本>         连接建立后发送应用消息
  list                列出已配对车辆
  remove <设备ID>     解除配对
  quit                退出`)
}

// callbacks 连接生命周期回调（配对码提示走标准输出）
func (c *CLI) callbacks() *pending_car.Callbacks {
	return &pending_car.Callbacks{
		OnVerificationCodeAvailable: func(code string) {
			fmt.Printf("\n配对码: %s  （两端一致则输入yes，否则输入no）\ncarlink> ", code)
		},
		OnConnected: func(car *pending_car.ConnectedCar) {
			c.connected = car
			car.Stream.SetCallbacks(&stream.Callbacks{
				OnMessageReceived: func(msg *wire.Message) {
					fmt.Printf("\n收到消息: %s\ncarlink> ", string(msg.Payload))
				},
			})
			fmt.Printf("\n连接建立: %s (%s)\ncarlink> ", car.Name, car.DeviceID)
		},
		OnConnectionFailed: func(cerr *pending_car.ConnectionError) {
			fmt.Printf("\n连接失败: %v\ncarlink> ", cerr)
		},
	}
}

// startAttempt 主动发起一次连接尝试（发起方）
func (c *CLI) startAttempt(addr string, mode pending_car.Mode, car *storage.AssociatedCar) {
	t := transport.NewTCPTransport(addr, addr, transport.DefaultMaxWriteSize)
	p, err := pending_car.New(&pending_car.Options{
		Role:          handshake.RoleInitiator,
		Mode:          mode,
		Transport:     t,
		Store:         c.store,
		StorageKey:    c.storageKey,
		LocalDeviceID: c.localID,
		PeerAddress:   addr,
		Car:           car,
	})
	if err != nil {
		fmt.Println("创建连接失败:", err)
		return
	}
	p.SetCallbacks(c.callbacks())
	c.pending = p

	if err := p.Start(); err != nil {
		fmt.Println("连接失败:", err)
	}
}

// startListener 监听对端连接（应答方）
func (c *CLI) startListener(mode pending_car.Mode) {
	if c.listener != nil {
		fmt.Println("已在监听")
		return
	}

	addr := fmt.Sprintf("%s:%d", c.conf.Listen.Address, c.conf.Listen.Port)
	c.listener = transport.NewTCPListener(addr, transport.DefaultMaxWriteSize,
		func(t transport.Transport) {
			var car *storage.AssociatedCar
			if mode == pending_car.ModeReconnecting {
				car = c.matched
			}
			p, err := pending_car.New(&pending_car.Options{
				Role:          handshake.RoleResponder,
				Mode:          mode,
				Transport:     t,
				Store:         c.store,
				StorageKey:    c.storageKey,
				LocalDeviceID: c.localID,
				Car:           car,
			})
			if err != nil {
				logger.Errorf("[CLI] 创建应答连接失败: %v", err)
				t.Disconnect()
				return
			}
			p.SetCallbacks(c.callbacks())
			c.pending = p
			if err := p.Start(); err != nil {
				logger.Errorf("[CLI] 应答连接启动失败: %v", err)
			}
		})

	if err := c.listener.Start(); err != nil {
		fmt.Println("监听失败:", err)
		c.listener = nil
		return
	}
	fmt.Println("监听中:", c.listener.Addr())
}

// startAdvertise 车机侧：广播最近配对设备的续连标识并监听
func (c *CLI) startAdvertise() {
	cars, err := c.store.List()
	if err != nil || len(cars) == 0 {
		fmt.Println("没有已配对设备，请先配对")
		return
	}

	// 广播最近连接过的一条记录
	latest := cars[0]
	for _, car := range cars[1:] {
		if car.LastConnected.After(latest.LastConnected) {
			latest = car
		}
	}
	c.matched = latest

	payload, err := discovery.NewAdvertisement(latest.IdentificationKey, c.conf.Advertise.HmacLength)
	if err != nil {
		fmt.Println("构造广播失败:", err)
		return
	}

	adv, err := discovery.NewAdvertiser(c.advertiseAddr(),
		time.Duration(c.conf.Advertise.IntervalSec)*time.Second)
	if err != nil {
		fmt.Println("创建广播失败:", err)
		return
	}
	if err := adv.Start(payload); err != nil {
		fmt.Println("启动广播失败:", err)
		return
	}
	c.advertiser = adv

	fmt.Printf("广播中: %s (%s)\n", latest.Name, latest.DeviceID)
	c.startListener(pending_car.ModeReconnecting)
}

// startScan 移动设备侧：扫描广播并匹配已配对车辆
func (c *CLI) startScan() {
	if c.scanner != nil {
		fmt.Println("已在扫描")
		return
	}

	s, err := discovery.NewScanner(c.advertiseAddr(), func(payload []byte, from *net.UDPAddr) {
		cars, err := c.store.List()
		if err != nil {
			return
		}
		car, err := discovery.MatchAdvertisement(payload, c.conf.Advertise.HmacLength, cars)
		if err != nil || car == nil {
			return
		}
		if c.matched == nil || c.matched.DeviceID != car.DeviceID {
			c.matched = car
			fmt.Printf("\n匹配到车辆: %s (%s) 来自%s，输入reconnect发起续连\ncarlink> ",
				car.Name, car.DeviceID, from.IP)
		}
	})
	if err != nil {
		fmt.Println("创建扫描失败:", err)
		return
	}
	if err := s.Start(); err != nil {
		fmt.Println("启动扫描失败:", err)
		return
	}
	c.scanner = s
	fmt.Println("扫描中...")
}

// startReconnect 向匹配到的车辆发起续连
func (c *CLI) startReconnect(args []string) {
	if c.matched == nil {
		fmt.Println("尚未匹配到车辆，请先scan")
		return
	}

	addr := c.matched.MacAddress
	if len(args) > 0 {
		addr = args[0]
	}
	if addr == "" {
		fmt.Println("用法: reconnect <地址:端口>")
		return
	}
	c.startAttempt(addr, pending_car.ModeReconnecting, c.matched)
}

// sendText 发送一条应用消息
func (c *CLI) sendText(text string) {
	if c.connected == nil {
		fmt.Println("尚未建立连接")
		return
	}

	enc, err := c.connected.Key.Encrypt([]byte(text))
	if err != nil {
		fmt.Println("加密失败:", err)
		return
	}
	_, err = c.connected.Stream.SendMessage(&wire.Message{
		Operation:          wire.OperationClientMessage,
		IsPayloadEncrypted: true,
		Payload:            enc,
	})
	if err != nil {
		fmt.Println("发送失败:", err)
	}
}

// listCars 列出已配对车辆
func (c *CLI) listCars() {
	cars, err := c.store.List()
	if err != nil {
		fmt.Println("读取失败:", err)
		return
	}
	if len(cars) == 0 {
		fmt.Println("没有已配对车辆")
		return
	}
	for _, car := range cars {
		fmt.Printf("  %s  %s  地址=%s  配对于%s  最近连接%s\n",
			car.DeviceID, car.Name, car.MacAddress,
			car.AssociatedAt.Format("2006-01-02 15:04"),
			car.LastConnected.Format("2006-01-02 15:04"))
	}
}

// removeCar 解除配对
func (c *CLI) removeCar(args []string) {
	if len(args) < 1 {
		fmt.Println("用法: remove <设备ID>")
		return
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		fmt.Println("设备ID非法:", err)
		return
	}
	if err := c.store.Remove(id); err != nil {
		fmt.Println("解除配对失败:", err)
		return
	}
	fmt.Println("已解除配对:", id)
}

func (c *CLI) advertiseAddr() string {
	if c.conf.Advertise.Address == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.conf.Advertise.Address, c.conf.Advertise.Port)
}

// shutdown 释放资源
func (c *CLI) shutdown() {
	if c.pending != nil {
		c.pending.Disconnect()
	}
	if c.listener != nil {
		c.listener.Stop()
	}
	if c.advertiser != nil {
		c.advertiser.Stop()
	}
	if c.scanner != nil {
		c.scanner.Stop()
	}
	logger.Sync()
}

func main() {
	cli, err := NewCLI()
	if err != nil {
		fmt.Println("初始化失败:", err)
		os.Exit(1)
	}

	// Ctrl+C时也走资源释放
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cli.shutdown()
		os.Exit(0)
	}()

	cli.Run()
}
