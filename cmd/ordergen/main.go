package main

import (
	"fmt"
	"os"
	"time"

	"eshop-orders/internal/logger"

	json "github.com/goccy/go-json"
	"github.com/spf13/pflag"
)

func main() {
	count := pflag.IntP("count", "n", 10, "生成的订单数量")
	output := pflag.StringP("output", "o", "orders.json", "输出文件，- 表示标准输出")
	maxProducts := pflag.Int("max-products", 4, "每个订单最多的商品行数")
	customers := pflag.Int("customers", 50, "随机客户数量")
	seed := pflag.Uint64("seed", 0, "随机种子，0 表示使用当前时间")
	pflag.Parse()

	log := logger.Component("ordergen")
	if *count < 1 {
		log.Fatal().Int("count", *count).Msg("订单数量必须大于0")
	}
	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}

	batch := newGenerator(*seed, *maxProducts, *customers).orders(*count)
	for _, o := range batch {
		if err := o.Validate(); err != nil {
			log.Fatal().Err(err).Msg("生成了非法订单")
		}
	}

	data, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("序列化订单失败")
	}

	if *output == "-" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		log.Fatal().Err(err).Str("file", *output).Msg("写入订单文件失败")
	}
	log.Info().Int("count", len(batch)).Str("file", *output).Uint64("seed", *seed).Msg("订单已生成")
}
