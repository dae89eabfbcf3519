package main

const clearanceBanner = `
   ________
  / ____/ /__  ____ __________ _____  ________
 / /   / / _ \/ __ ` + "`" + `/ ___/ __ ` + "`" + `/ __ \/ ___/ _ \
/ /___/ /  __/ /_/ / /  / /_/ / / / / /__/  __/
\____/_/\___/\__,_/_/   \__,_/_/ /_/\___/\___/

`
