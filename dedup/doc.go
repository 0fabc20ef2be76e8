/*Package dedup collapses reads that share a unique molecular identifier
  (UMI) into one consensus record per original molecule.

  Input is organized by locus: every read, or read pair, aligned to the
  same reference, strand and set of intervals.  Identical reads are
  stored once, as a ReadRecord with a read count per condition (sample
  or read group).

  Collapsing a locus, per condition:

    1) Barcode correction.  Sequencing errors turn one barcode into
       several.  A Corrector maps every observed barcode to a canonical
       one; the default umi.GraphCorrector absorbs a barcode into a
       Hamming-distance-1 neighbor with at least 2n-1 reads, where n is
       its own read count.

    2) Accumulation.  The records of each canonical barcode are merged
       into one group: a read count, the minimum multiplicity, per
       position mismatch votes and one EditPattern (indels, soft-clip
       lengths, pair geometry) per record.  Inside the overlap of a read
       pair, a mismatch is counted once, from the first mate, and only if
       the second mate agrees or is silent.

    3) Consensus.  At each position the most frequent base change is
       kept if more than half of the reads covering the position report
       it and it beats every other change.  The indel pattern is chosen by a
       read-weighted vote among the patterns compatible with the kept
       mismatches; soft clips are rebuilt base by base.

  Groups with fewer than Opts.MinReads reads are dropped.  Each retained
  group yields one CollapsedRecord with Count 1, and the number of
  records emitted must equal the number of retained groups; a mismatch
  is reported as an errors.Integrity error.

  Run drives Collapse over a LocusIterator with a pool of workers and
  feeds a Sink.  Metrics collects the duplication histogram and the
  mismatch table.
*/
package dedup
