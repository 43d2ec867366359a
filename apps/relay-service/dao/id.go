package dao

import (
	"os"

	"wechat-relay/pkg/snowflake"
)

// IDPrefix 消息ID前缀
const IDPrefix = "msg_"

// NewIDGenerator 基于snowflake的ID生成器，同一进程内严格递增且按字典序可排序
func NewIDGenerator(machineID int64) (func() (string, error), error) {
	sf, err := snowflake.New(machineID)
	if err != nil {
		return nil, err
	}
	return func() (string, error) {
		return sf.NextString(IDPrefix)
	}, nil
}

// DefaultIDGenerator 机器号取自进程号
func DefaultIDGenerator() func() (string, error) {
	gen, _ := NewIDGenerator(int64(os.Getpid() & 1023))
	return gen
}
