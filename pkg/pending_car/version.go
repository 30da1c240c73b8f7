package pending_car

import (
	"fmt"

	"github.com/junbin-yang/carlink-go/pkg/wire"
)

// 本端支持的协议版本范围
// 消息版本3开始支持负载压缩；安全版本3开始支持续连快速认证，
// 安全版本4开始支持OOB配对
const (
	minMessagingVersion = 2
	maxMessagingVersion = 3
	minSecurityVersion  = 2
	maxSecurityVersion  = 4

	compressionMessagingVersion = 3
	reconnectSecurityVersion    = 3
	oobSecurityVersion          = 4
)

// negotiatedVersion 版本协商结果
type negotiatedVersion struct {
	messaging int32
	security  int32
}

// localVersionExchange 本端的版本能力消息
func localVersionExchange() *wire.VersionExchange {
	return &wire.VersionExchange{
		MinSupportedMessagingVersion: minMessagingVersion,
		MaxSupportedMessagingVersion: maxMessagingVersion,
		MinSupportedSecurityVersion:  minSecurityVersion,
		MaxSupportedSecurityVersion:  maxSecurityVersion,
	}
}

// negotiateVersion 与对端的版本能力求交，取最高的共同版本
// 无交集立即失败，不做任何握手尝试
func negotiateVersion(peer *wire.VersionExchange) (*negotiatedVersion, error) {
	messaging := min32(maxMessagingVersion, peer.MaxSupportedMessagingVersion)
	if messaging < max32(minMessagingVersion, peer.MinSupportedMessagingVersion) {
		return nil, fmt.Errorf("no mutual messaging version: local [%d,%d], peer [%d,%d]",
			minMessagingVersion, maxMessagingVersion,
			peer.MinSupportedMessagingVersion, peer.MaxSupportedMessagingVersion)
	}

	security := min32(maxSecurityVersion, peer.MaxSupportedSecurityVersion)
	if security < max32(minSecurityVersion, peer.MinSupportedSecurityVersion) {
		return nil, fmt.Errorf("no mutual security version: local [%d,%d], peer [%d,%d]",
			minSecurityVersion, maxSecurityVersion,
			peer.MinSupportedSecurityVersion, peer.MaxSupportedSecurityVersion)
	}

	return &negotiatedVersion{messaging: messaging, security: security}, nil
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
