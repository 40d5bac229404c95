package quote

import (
	"math/big"

	xerrors "ChainDCA/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const bpsDenominator = 10_000

// SlippageFloor 按最大滑点计算预期产出对应的最低可接受产出：
// expected × (10000 - maxBps) / 10000，向下取整。
func SlippageFloor(expected *big.Int, maxBps int) *big.Int {
	if expected == nil || expected.Sign() <= 0 {
		return new(big.Int)
	}
	if maxBps < 0 {
		maxBps = 0
	}
	if maxBps >= bpsDenominator {
		return new(big.Int)
	}
	floor := new(big.Int).Mul(expected, big.NewInt(int64(bpsDenominator-maxBps)))
	return floor.Quo(floor, big.NewInt(bpsDenominator))
}

// Normalize 校验聚合器返回的路由。
//
// MinimumOut 缺失或非正时用本地滑点下限补齐；但一旦聚合器给出了
// MinimumOut，就只做校验不做修正：大于 ExpectedOut 是坏数据，
// 低于策略滑点下限说明这条路由本身超出滑点容忍，整条报价拒绝。
// 校验失败的路由绝不会被提交上链。
func Normalize(q *Quote, maxSlippageBps int) error {
	if q == nil {
		return ErrQuoteInvalid
	}
	if q.Target == (common.Address{}) {
		return xerrors.New(CodeQuoteInvalid, "路由缺少目标合约")
	}
	if len(q.Calldata) == 0 {
		return xerrors.New(CodeQuoteInvalid, "路由缺少 calldata")
	}
	if q.ExpectedOut == nil || q.ExpectedOut.Sign() <= 0 {
		return xerrors.New(CodeQuoteInvalid, "预期产出必须为正")
	}
	if q.Value == nil {
		q.Value = new(big.Int)
	}
	if q.PriceImpactBps < 0 {
		return xerrors.New(CodeQuoteInvalid, "价格冲击不能为负")
	}

	floor := SlippageFloor(q.ExpectedOut, maxSlippageBps)
	if floor.Sign() <= 0 {
		return xerrors.New(CodeQuoteInvalid, "滑点下限计算结果非正")
	}
	if q.MinimumOut == nil || q.MinimumOut.Sign() <= 0 {
		q.MinimumOut = floor
		return nil
	}
	if q.MinimumOut.Cmp(q.ExpectedOut) > 0 {
		return xerrors.New(CodeQuoteInvalid, "MinimumOut 大于预期产出")
	}
	if q.MinimumOut.Cmp(floor) < 0 {
		return xerrors.Wrap(CodeSlippageExceeded, ErrSlippageExceeded,
			"MinimumOut 低于滑点下限 "+floor.String())
	}
	return nil
}

// CheckPriceRange 按订单限价校验成交率 rate = expectedOut/inputAmount。
// minRate、maxRate 为十进制定点字符串，空串表示不限制。
func CheckPriceRange(inputAmount, expectedOut *big.Int, minRate, maxRate string) error {
	if inputAmount == nil || inputAmount.Sign() <= 0 || expectedOut == nil {
		return ErrQuoteInvalid
	}
	rate := new(big.Rat).SetFrac(expectedOut, inputAmount)

	if minRate != "" {
		limit, ok := new(big.Rat).SetString(minRate)
		if !ok {
			return xerrors.New(CodeQuoteInvalid, "最低限价非法: "+minRate)
		}
		if rate.Cmp(limit) < 0 {
			return xerrors.New(CodeSlippageExceeded, "成交率低于订单最低限价")
		}
	}
	if maxRate != "" {
		limit, ok := new(big.Rat).SetString(maxRate)
		if !ok {
			return xerrors.New(CodeQuoteInvalid, "最高限价非法: "+maxRate)
		}
		if rate.Cmp(limit) > 0 {
			return xerrors.New(CodeSlippageExceeded, "成交率高于订单最高限价")
		}
	}
	return nil
}
