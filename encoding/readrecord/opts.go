package readrecord

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/umidedup/encoding/fasta"
	"github.com/grailbio/umidedup/interval"
)

// Opts controls which alignments are read and how they are interpreted.
type Opts struct {
	// UMITag is the aux tag holding the barcode.  Reads without the tag
	// take the barcode from the last ':'-separated field of their name.
	UMITag string
	// FlagExclude drops alignments with any of these flags set.
	// Unmapped alignments are always dropped.
	FlagExclude sam.Flags
	// MinMapQ drops alignments with a lower mapping quality.
	MinMapQ int
	// KnownUMIs, if not empty, is a newline-separated list of the
	// barcodes used in the experiment.  Barcodes are snapped to the
	// closest known one, and reads whose barcode cannot be snapped are
	// dropped.
	KnownUMIs []byte
	// Reference supplies reference bases for alignments without an MD
	// tag.  It may be nil, in which case the MD tag is required.
	Reference *fasta.Fasta
	// Targets, if not nil, drops alignments that do not overlap it.
	Targets *interval.Targets
}

// DefaultOpts are the default options.
var DefaultOpts = Opts{
	UMITag:      "RX",
	FlagExclude: sam.Secondary | sam.Supplementary | sam.QCFail,
}

func validate(opts *Opts) error {
	if opts.UMITag != "" && len(opts.UMITag) != 2 {
		return errors.E(errors.Invalid, "umi tag must have two characters:", opts.UMITag)
	}
	if opts.MinMapQ < 0 || opts.MinMapQ > 255 {
		return errors.E(errors.Invalid, "min mapq must be in [0, 255]")
	}
	return nil
}
