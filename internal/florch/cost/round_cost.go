package cost

import (
	"github.com/Kitsuya0828/DSFLplus/internal/florch/softlabel"
	"github.com/Kitsuya0828/DSFLplus/internal/model"
)

// indexBytes is the wire size of one public sample index.
const indexBytes = 4

// scoreBytes is the wire size of one OOD score.
const scoreBytes = 4

type RoundCost struct {
	Upload   float64
	Download float64
}

func (c RoundCost) Total() float64 {
	return c.Upload + c.Download
}

// GetDistillationRoundCost counts what one distillation round moves over the network: every
// selected client downloads the slice indices plus the previous consensus and uploads its soft
// labels (and OOD scores when it computed them).
func GetDistillationRoundCost(pkg *model.RoundPackage, outputs []*model.ClientOutput, numSelected int, numClasses int,
	costSource CostSource) RoundCost {
	consensusLen := pkg.Consensus.Len()

	if costSource == SOFT_LABELS {
		roundCost := RoundCost{Download: float64(numSelected * consensusLen)}
		for _, output := range outputs {
			roundCost.Upload += float64(len(output.Indices))
		}
		return roundCost
	}

	perClientDownload := indexBytes * len(pkg.PublicIndices)
	if consensusLen > 0 {
		perClientDownload += indexBytes*consensusLen + softlabel.EncodedSize(consensusLen, numClasses)
	}

	roundCost := RoundCost{Download: float64(numSelected * perClientDownload)}
	for _, output := range outputs {
		upload := len(output.Payload)
		if output.Payload == nil {
			upload = softlabel.EncodedSize(len(output.Indices), numClasses)
		}
		roundCost.Upload += float64(upload + scoreBytes*len(output.Scores))
	}
	return roundCost
}

// GetModelExchangeRoundCost counts a round that ships the whole model down and back up for each
// selected client.
func GetModelExchangeRoundCost(numSelected int, modelBytes int, costSource CostSource) RoundCost {
	if costSource == SOFT_LABELS {
		return RoundCost{}
	}
	return RoundCost{
		Upload:   float64(numSelected * modelBytes),
		Download: float64(numSelected * modelBytes),
	}
}
