// Copyright © 2024 The robotdev authors

package profiler_test

import (
	"github.com/luthersystems/robotdev/framework"
)

const source = "/suites/greet.robot"

// playRun drives l through a suite with one failing test. The test logs a
// message, then loops once over a keyword tagged for tracing.
func playRun(l framework.Listener) {
	suite := framework.Attributes{ID: "s1", LongName: "Greet", Source: source, LineNo: 1}
	test := framework.Attributes{ID: "s1-t1", LongName: "Greet.Say Hello", Source: source, LineNo: 3, Tags: []string{"smoke"}}
	log := framework.Attributes{ID: "s1-t1-k1", KwName: "Log", LibName: "BuiltIn", Type: "KEYWORD", Source: source, LineNo: 4, Args: []string{"hello"}}
	loop := framework.Attributes{ID: "s1-t1-k2", KwName: "${i} IN RANGE 1", Type: "FOR", Source: source, LineNo: 5}
	iter := framework.Attributes{ID: "s1-t1-k2-k1", KwName: "${i} = 0", Type: "ITERATION", Source: source, LineNo: 5}
	step := framework.Attributes{ID: "s1-t1-k2-k1-k1", KwName: "Do Step", LibName: "Steps", Type: "KEYWORD", Source: source, LineNo: 6, Tags: []string{"robot:trace:My Step"}}

	l.StartSuite("Greet", suite)
	l.StartTest("Say Hello", test)
	l.StartKeyword("BuiltIn.Log", log)
	l.LogMessage(framework.LogMessage{Message: "hello", Level: "INFO"})
	log.Status = framework.StatusPass
	l.EndKeyword("BuiltIn.Log", log)
	l.StartKeyword("${i} IN RANGE 1", loop)
	l.StartKeyword("${i} = 0", iter)
	l.StartKeyword("Steps.Do Step", step)
	step.Status = framework.StatusFail
	step.Message = "boom"
	l.EndKeyword("Steps.Do Step", step)
	iter.Status = framework.StatusFail
	l.EndKeyword("${i} = 0", iter)
	loop.Status = framework.StatusFail
	l.EndKeyword("${i} IN RANGE 1", loop)
	test.Status = framework.StatusFail
	test.Message = "boom"
	l.EndTest("Say Hello", test)
	suite.Status = framework.StatusFail
	l.EndSuite("Greet", suite)
	l.Close()
}

// abortRun starts a suite and a test and closes the listener without
// ending them.
func abortRun(l framework.Listener) {
	l.StartSuite("Greet", framework.Attributes{LongName: "Greet", Source: source, LineNo: 1})
	l.StartTest("Say Hello", framework.Attributes{LongName: "Greet.Say Hello", Source: source, LineNo: 3})
	l.Close()
	// Callbacks after Close are ignored.
	l.EndTest("Say Hello", framework.Attributes{})
	l.StartKeyword("BuiltIn.Log", framework.Attributes{Type: "KEYWORD"})
}
