package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wechat-relay",
		Short:         "公众号消息中继：接收推送、持久化并实时同步到App",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP与WebSocket服务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("RELAY_CONFIG")
			}
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认查找 ./config.yaml 或 ./configs/config.yaml）")

	root.AddCommand(serve, &cobra.Command{
		Use:   "version",
		Short: "打印版本号",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("wechat-relay", version)
		},
	})
	return root
}
