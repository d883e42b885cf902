package pipeline

// Normalize fills a missing distraction level and turns the airbag and
// seatbelt answers into 0/1. Only an exact "Yes" counts as 1. r is not
// modified.
func Normalize(r Record) Record {
	out := r.Clone()

	if v, ok := out[ColDistraction]; !ok || v.IsNull() {
		out[ColDistraction] = Text(DistractionDefault)
	} else if s, isText := v.AsText(); isText && s == "" {
		out[ColDistraction] = Text(DistractionDefault)
	}

	for _, col := range []string{ColAirbag, ColSeatbelt} {
		v, ok := out[col]
		if !ok {
			continue
		}
		if s, isText := v.AsText(); isText && s == "Yes" {
			out[col] = Number(1)
		} else {
			out[col] = Number(0)
		}
	}

	return out
}
