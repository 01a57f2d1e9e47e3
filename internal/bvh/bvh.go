// Package bvh reads Biovision Hierarchy (.bvh) files and compares
// their rest pose against a set of joint positions. A BVH file has
// two sections:
//
//	HIERARCHY
//	ROOT Hips
//	{
//	    OFFSET 0.0 0.0 0.0
//	    CHANNELS 6 Xposition Yposition Zposition Zrotation Xrotation Yrotation
//	    JOINT Spine
//	    {
//	        OFFSET 0.0 10.0 0.0
//	        CHANNELS 3 Zrotation Xrotation Yrotation
//	        End Site
//	        {
//	            OFFSET 0.0 8.0 0.0
//	        }
//	    }
//	}
//	MOTION
//	Frames: 2
//	Frame Time: 0.008333
//	0.0 92.0 0.0 ...
//
// Offsets are parent-relative; the rest pose of a joint is the sum of
// offsets along its chain. Motion rows carry one value per declared
// channel, in hierarchy declaration order.
package bvh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/perfcap/rigsetup/internal/geom"
)

// Joint is one node of the hierarchy. End sites are unnamed leaf
// nodes kept for bone length but never animated.
type Joint struct {
	Name     string
	Offset   geom.Vec3
	Channels []string
	Parent   *Joint
	Children []*Joint
	EndSite  bool
}

// RestPosition is the joint's global position with all channels at
// zero, the sum of offsets from the root down.
func (j *Joint) RestPosition() geom.Vec3 {
	pos := j.Offset
	for p := j.Parent; p != nil; p = p.Parent {
		pos = pos.Add(p.Offset)
	}
	return pos
}

// Clip is a parsed BVH file: the hierarchy plus its motion samples.
type Clip struct {
	Root      *Joint
	FrameTime float64
	Frames    [][]float64

	channels int
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	return float64(len(c.Frames)) * c.FrameTime
}

// ChannelCount returns the number of values per motion row.
func (c *Clip) ChannelCount() int { return c.channels }

// Joints returns every named joint in declaration order. End sites
// are excluded.
func (c *Clip) Joints() []*Joint {
	var out []*Joint
	var walk func(j *Joint)
	walk = func(j *Joint) {
		if j.EndSite {
			return
		}
		out = append(out, j)
		for _, ch := range j.Children {
			walk(ch)
		}
	}
	if c.Root != nil {
		walk(c.Root)
	}
	return out
}

// Find returns the named joint, or nil.
func (c *Clip) Find(name string) *Joint {
	for _, j := range c.Joints() {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// ReadFile parses the BVH file at path.
func ReadFile(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bvh file: %w", err)
	}
	defer f.Close()
	c, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Read parses a BVH stream.
func Read(r io.Reader) (*Clip, error) {
	p := &parser{scan: bufio.NewScanner(r)}
	p.scan.Buffer(make([]byte, 64*1024), 1024*1024)

	if tok := p.next(); tok != "HIERARCHY" {
		return nil, fmt.Errorf("line %d: expected HIERARCHY, got %q", p.line, tok)
	}
	if tok := p.next(); tok != "ROOT" {
		return nil, fmt.Errorf("line %d: expected ROOT, got %q", p.line, tok)
	}
	root, err := p.parseJoint(nil)
	if err != nil {
		return nil, err
	}

	clip := &Clip{Root: root}
	for _, j := range clip.Joints() {
		clip.channels += len(j.Channels)
	}

	if tok := p.next(); tok != "MOTION" {
		return nil, fmt.Errorf("line %d: expected MOTION, got %q", p.line, tok)
	}
	if err := p.expect("Frames:"); err != nil {
		return nil, err
	}
	frames, err := p.nextInt()
	if err != nil {
		return nil, fmt.Errorf("bad frame count: %w", err)
	}
	if frames < 0 {
		return nil, fmt.Errorf("negative frame count %d", frames)
	}
	if err := p.expect("Frame"); err != nil {
		return nil, err
	}
	if err := p.expect("Time:"); err != nil {
		return nil, err
	}
	clip.FrameTime, err = p.nextFloat()
	if err != nil {
		return nil, fmt.Errorf("bad frame time: %w", err)
	}
	if clip.FrameTime <= 0 {
		return nil, fmt.Errorf("frame time %g out of range", clip.FrameTime)
	}

	clip.Frames = make([][]float64, 0, frames)
	for i := 0; i < frames; i++ {
		row := make([]float64, clip.channels)
		for c := range row {
			row[c], err = p.nextFloat()
			if err != nil {
				return nil, fmt.Errorf("frame %d channel %d: %w", i, c, err)
			}
		}
		clip.Frames = append(clip.Frames, row)
	}
	return clip, nil
}

type parser struct {
	scan   *bufio.Scanner
	tokens []string
	line   int
}

// next returns the next whitespace-separated token, refilling from
// the scanner line by line. Empty string means end of input.
func (p *parser) next() string {
	for len(p.tokens) == 0 {
		if !p.scan.Scan() {
			return ""
		}
		p.line++
		p.tokens = strings.Fields(p.scan.Text())
	}
	tok := p.tokens[0]
	p.tokens = p.tokens[1:]
	return tok
}

func (p *parser) expect(want string) error {
	if got := p.next(); got != want {
		return fmt.Errorf("line %d: expected %q, got %q", p.line, want, got)
	}
	return nil
}

func (p *parser) nextInt() (int, error) {
	tok := p.next()
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("line %d: %q is not an integer", p.line, tok)
	}
	return n, nil
}

func (p *parser) nextFloat() (float64, error) {
	tok := p.next()
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: %q is not a number", p.line, tok)
	}
	return v, nil
}

// parseJoint parses a joint body starting at its name token. The
// caller has already consumed the ROOT or JOINT keyword.
func (p *parser) parseJoint(parent *Joint) (*Joint, error) {
	name := p.next()
	if name == "" {
		return nil, fmt.Errorf("line %d: joint name missing", p.line)
	}
	j := &Joint{Name: name, Parent: parent}
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	for {
		switch tok := p.next(); tok {
		case "OFFSET":
			var err error
			if j.Offset, err = p.parseOffset(); err != nil {
				return nil, err
			}
		case "CHANNELS":
			n, err := p.nextInt()
			if err != nil {
				return nil, err
			}
			if n < 0 || n > 6 {
				return nil, fmt.Errorf("line %d: channel count %d out of range", p.line, n)
			}
			j.Channels = make([]string, n)
			for i := range j.Channels {
				j.Channels[i] = p.next()
			}
		case "JOINT":
			child, err := p.parseJoint(j)
			if err != nil {
				return nil, err
			}
			j.Children = append(j.Children, child)
		case "End":
			if err := p.expect("Site"); err != nil {
				return nil, err
			}
			end := &Joint{Name: j.Name + "_End", Parent: j, EndSite: true}
			if err := p.expect("{"); err != nil {
				return nil, err
			}
			if err := p.expect("OFFSET"); err != nil {
				return nil, err
			}
			var err error
			if end.Offset, err = p.parseOffset(); err != nil {
				return nil, err
			}
			if err := p.expect("}"); err != nil {
				return nil, err
			}
			j.Children = append(j.Children, end)
		case "}":
			return j, nil
		case "":
			return nil, fmt.Errorf("unexpected end of input inside joint %q", j.Name)
		default:
			return nil, fmt.Errorf("line %d: unexpected token %q in joint %q", p.line, tok, j.Name)
		}
	}
}

func (p *parser) parseOffset() (geom.Vec3, error) {
	var v geom.Vec3
	var err error
	if v.X, err = p.nextFloat(); err != nil {
		return v, err
	}
	if v.Y, err = p.nextFloat(); err != nil {
		return v, err
	}
	if v.Z, err = p.nextFloat(); err != nil {
		return v, err
	}
	return v, nil
}

// Delta is one row of a rest-pose comparison.
type Delta struct {
	Joint    string    `json:"joint"`
	Expected geom.Vec3 `json:"expected"`
	Actual   geom.Vec3 `json:"actual"`
	Distance float64   `json:"distance"`
}

// Comparison reports how far a set of joint positions sits from the
// clip's rest pose. Joints present on only one side are listed by
// name rather than scored.
type Comparison struct {
	Deltas      []Delta  `json:"deltas"`
	MeanError   float64  `json:"mean_error"`
	MaxError    float64  `json:"max_error"`
	OnlyInClip  []string `json:"only_in_clip,omitempty"`
	OnlyInOther []string `json:"only_in_other,omitempty"`
}

// Compare scores joints (global rest positions, same units as the
// clip) against the clip's hierarchy, matched by joint name.
func (c *Clip) Compare(joints map[string]geom.Vec3) Comparison {
	var cmp Comparison
	matched := make(map[string]bool, len(joints))
	for _, j := range c.Joints() {
		actual, ok := joints[j.Name]
		if !ok {
			cmp.OnlyInClip = append(cmp.OnlyInClip, j.Name)
			continue
		}
		matched[j.Name] = true
		expected := j.RestPosition()
		d := Delta{
			Joint:    j.Name,
			Expected: expected,
			Actual:   actual,
			Distance: expected.Dist(actual),
		}
		cmp.Deltas = append(cmp.Deltas, d)
		cmp.MeanError += d.Distance
		if d.Distance > cmp.MaxError {
			cmp.MaxError = d.Distance
		}
	}
	if len(cmp.Deltas) > 0 {
		cmp.MeanError /= float64(len(cmp.Deltas))
	}
	for name := range joints {
		if !matched[name] {
			cmp.OnlyInOther = append(cmp.OnlyInOther, name)
		}
	}
	sort.Strings(cmp.OnlyInOther)
	return cmp
}
