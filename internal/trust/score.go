// Package trust はセッションのテレメトリから信頼スコアを算出するエンジンを提供する。
// 算出は純粋関数で、同一入力に対して常に同一の結果を返す。
// 違反の入力順序は結果に影響しない。
package trust

import (
	"fmt"

	"github.com/hitoshi/examgate/internal/model"
)

// 違反の重大度ごとの減点。
const (
	penaltyHigh    = 15
	penaltyMedium  = 8
	penaltyLow     = 3
	penaltyUnknown = 5
)

// 行動シグナルの減点しきい値と上限。
const (
	focusLossThreshold  = 10
	focusLossPerCount   = 2
	focusLossCap        = 20
	tabSwitchThreshold  = 5
	tabSwitchPerCount   = 3
	tabSwitchCap        = 15
	copyPasteThreshold  = 3
	copyPastePenalty    = 10
	trackingAvgLimit    = 2.0
	trackingPenalty     = 10
	cookiesOffPenalty   = 5
)

// 信頼レベルの境界値。
const (
	trustHighMin   = 80
	trustMediumMin = 60
)

// Score はセッションのテレメトリから信頼スコアを算出する。
// 100点から各リスク要因の減点を積み上げ、0を下限とする。
// deviceInfoとbehaviorはnil可（該当テレメトリ未収集のセッション）。
func Score(
	violations []model.AntiCheatViolation,
	deviceInfo *model.DeviceInfo,
	behavior *model.SessionBehavior,
	tracking []model.QuestionTracking,
) model.TrustScore {
	total := 0
	var factors []model.RiskFactor

	// 1. 違反による減点。件数と合計減点を1エントリに集約する。
	if len(violations) > 0 {
		impact := 0
		for _, v := range violations {
			impact += severityPenalty(v.Severity)
		}
		total += impact
		factors = append(factors, model.RiskFactor{
			Factor: "Anti-cheat violations",
			Impact: impact,
			Detail: []string{fmt.Sprintf("%d violation(s) recorded", len(violations))},
		})
	}

	// 2. デバイスリスク。減点が発生した場合のみエントリを追加する。
	if deviceInfo != nil {
		impact := 0
		var detail []string
		if !deviceInfo.CookiesEnabled {
			impact += cookiesOffPenalty
			detail = append(detail, "Cookies disabled")
		}
		if impact > 0 {
			total += impact
			factors = append(factors, model.RiskFactor{
				Factor: "Device risk",
				Impact: impact,
				Detail: detail,
			})
		}
	}

	// 3. 行動異常。条件ごとの減点を合算して1エントリにまとめる。
	if behavior != nil {
		impact := 0
		var detail []string
		if behavior.FocusLossCount > focusLossThreshold {
			p := behavior.FocusLossCount * focusLossPerCount
			if p > focusLossCap {
				p = focusLossCap
			}
			impact += p
			detail = append(detail, fmt.Sprintf("Excessive focus loss: %d times", behavior.FocusLossCount))
		}
		if behavior.TabSwitchCount > tabSwitchThreshold {
			p := behavior.TabSwitchCount * tabSwitchPerCount
			if p > tabSwitchCap {
				p = tabSwitchCap
			}
			impact += p
			detail = append(detail, fmt.Sprintf("Excessive tab switching: %d times", behavior.TabSwitchCount))
		}
		if behavior.CopyPasteAttempts > copyPasteThreshold {
			impact += copyPastePenalty
			detail = append(detail, fmt.Sprintf("Copy/paste attempts: %d times", behavior.CopyPasteAttempts))
		}
		if impact > 0 {
			total += impact
			factors = append(factors, model.RiskFactor{
				Factor: "Behavioral anomalies",
				Impact: impact,
				Detail: detail,
			})
		}
	}

	// 4. 設問別トラッキング。設問あたりの平均異常回数がしきい値を超えたら減点する。
	if len(tracking) > 0 {
		sum := 0
		for _, tr := range tracking {
			sum += tr.FocusLossCount + tr.CopyPasteCount
		}
		avg := float64(sum) / float64(len(tracking))
		if avg > trackingAvgLimit {
			total += trackingPenalty
			factors = append(factors, model.RiskFactor{
				Factor: "Per-question anomalies",
				Impact: trackingPenalty,
				Detail: []string{fmt.Sprintf("Average %.1f anomalies per question", avg)},
			})
		}
	}

	score := 100 - total
	if score < 0 {
		score = 0
	}

	return model.TrustScore{
		VerificationScore: score,
		RiskFactors:       factors,
		TrustLevel:        levelFor(score),
	}
}

// severityPenalty は違反の重大度に対応する減点を返す。
// 未知の重大度にも固定の減点を与える。
func severityPenalty(s model.ViolationSeverity) int {
	switch s {
	case model.ViolationSeverityHigh:
		return penaltyHigh
	case model.ViolationSeverityMedium:
		return penaltyMedium
	case model.ViolationSeverityLow:
		return penaltyLow
	default:
		return penaltyUnknown
	}
}

// levelFor はスコアを3段階の信頼レベルに割り当てる。
func levelFor(score int) model.TrustLevel {
	switch {
	case score >= trustHighMin:
		return model.TrustLevelHigh
	case score >= trustMediumMin:
		return model.TrustLevelMedium
	default:
		return model.TrustLevelLow
	}
}
