package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions 对应 configs/chains.yaml 的结构。
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition 描述单条链及其上允许调用的路由合约。
type Definition struct {
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
	// RouterAllowlist 是该链上允许的兑换路由合约白名单。
	RouterAllowlist []string `yaml:"router_allowlist"`
	// NativeToken 是习惯上表示原生代币的占位地址。
	NativeToken string `yaml:"native_token"`
}

// LoadDefinitions 解析链配置 YAML 文件。
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}

// Routers 汇总所有链的路由白名单。
func (d Definitions) Routers() []string {
	var routers []string
	for _, def := range d.Chains {
		routers = append(routers, def.RouterAllowlist...)
	}
	return routers
}
