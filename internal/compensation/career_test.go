package compensation

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"
)

func testPlan() *CareerPlan {
	return &CareerPlan{
		Version: 1,
		Tiers: []CareerTier{
			{Rank: 1, Code: "BRONZE", Name: "Bronze", MinCycles: 5, Reward: 1350},
			{Rank: 2, Code: "PRATA", Name: "Prata", MinCycles: 15, MinLines: 1, MaxLinePercent: decimal.NewFromInt(100), Reward: 4050},
			{Rank: 3, Code: "OURO", Name: "Ouro", MinCycles: 70, MinLines: 3, MaxLinePercent: decimal.NewFromInt(50), Reward: 18900},
		},
	}
}

func TestValidCycles(t *testing.T) {
	Convey("VMEC caps a dominant line", t, func() {
		tier := CareerTier{MinLines: 3, MaxLinePercent: decimal.NewFromInt(50)}
		lines := []LineCycles{{LineID: 1, Cycles: 60}, {LineID: 2, Cycles: 30}, {LineID: 3, Cycles: 10}}
		So(ValidCycles(lines, tier), ShouldEqual, 90)

		Convey("and yields nothing below the minimum line count", func() {
			So(ValidCycles(lines[:2], tier), ShouldEqual, 0)
		})
	})

	Convey("Without a cap every cycle counts", t, func() {
		lines := []LineCycles{{LineID: 1, Cycles: 8}}
		So(ValidCycles(lines, CareerTier{}), ShouldEqual, 8)
	})
}

func TestEvaluateCareer(t *testing.T) {
	plan := testPlan()

	Convey("Crossing two tiers promotes through both", t, func() {
		ev := EvaluateCareer(plan, 0, []LineCycles{{LineID: 2, Cycles: 16}})
		So(ev.ReachedRank, ShouldEqual, 2)
		So(ev.Promotions, ShouldHaveLength, 2)
		So(ev.Promotions[0].Code, ShouldEqual, "BRONZE")
	})

	Convey("Lower counters never lower the rank", t, func() {
		ev := EvaluateCareer(plan, 3, []LineCycles{{LineID: 2, Cycles: 1}})
		So(ev.ReachedRank, ShouldEqual, 3)
		So(ev.Promotions, ShouldBeEmpty)
	})

	Convey("Ranks only increase over non-decreasing counters", t, func() {
		rank := 0
		for _, cycles := range []int64{1, 5, 5, 12, 20, 20, 90} {
			ev := EvaluateCareer(plan, rank, []LineCycles{{LineID: 2, Cycles: cycles}})
			So(ev.ReachedRank, ShouldBeGreaterThanOrEqualTo, rank)
			rank = ev.ReachedRank
		}
		So(rank, ShouldEqual, 2)
	})
}

func TestCareerPlanValidate(t *testing.T) {
	Convey("Thresholds must increase", t, func() {
		plan := testPlan()
		plan.Tiers[2].MinCycles = 10
		So(errors.Is(plan.Validate(), ErrConfigurationInvalid), ShouldBeTrue)
	})

	Convey("A sound plan validates", t, func() {
		So(testPlan().Validate(), ShouldBeNil)
	})
}

func TestPromotionBatch(t *testing.T) {
	Convey("A promotion pays its reward once under a stable refId", t, func() {
		at := time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)
		tier, ok := testPlan().Tier(2)
		So(ok, ShouldBeTrue)
		b := PromotionBatch(7, 70, tier, 1, "2024-Q3", at)
		So(b.RefID, ShouldEqual, "PIN-7-2")
		So(b.Entries, ShouldHaveLength, 1)
		So(b.Entries[0].Amount, ShouldEqual, 4050)
	})
}
